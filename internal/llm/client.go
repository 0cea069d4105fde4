// Package llm provides the model clients behind the AI sales assistant.
package llm

import (
	"context"
	"fmt"
)

// Roles used in ChatMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	var (
		client Client
		err    error
	)
	switch provider {
	case ProviderAnthropic:
		client, err = NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		client, err = NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/logger"
)

// HandoffMarker is the token the model emits when a human should take over.
const HandoffMarker = "[HANDOFF_REQUESTED]"

// DefaultSystemPrompt is used when no prompt file is configured.
const DefaultSystemPrompt = `You are the sales assistant on the MartechDevs website. MartechDevs builds and maintains
marketing technology integrations: analytics, customer data platforms, marketing automation and
tag management across web and mobile.

Answer visitors' questions concisely and in a friendly, professional tone. Ask one clarifying
question at a time when you need more detail. Never invent prices, deadlines or commitments.

If the visitor asks for a human, wants to negotiate a contract, reports a problem you cannot
resolve, or you are not confident in your answer, reply briefly and end your message with
` + HandoffMarker + ` on its own line.`

// ErrEmptyReply is returned when the model produced no text and no handoff.
var ErrEmptyReply = errors.New("model returned an empty reply")

// ResponderConfig configures the Responder.
type ResponderConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Responder turns a conversation into the AI's next reply.
type Responder struct {
	client Client
	cfg    ResponderConfig
	logger *logger.Logger
}

// NewResponder creates a Responder. An empty system prompt selects DefaultSystemPrompt.
func NewResponder(client Client, cfg ResponderConfig, log *logger.Logger) *Responder {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Responder{
		client: client,
		cfg:    cfg,
		logger: log.Named("responder"),
	}
}

// LoadSystemPrompt reads a prompt file, falling back to DefaultSystemPrompt when path is empty.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return DefaultSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file %s is empty", path)
	}
	return prompt, nil
}

// Generate asks the model for a reply to input, given the answered history.
func (r *Responder) Generate(ctx context.Context, history []model.Message, input string) (*model.AIReply, error) {
	resp, err := r.client.Complete(ctx, &CompletionRequest{
		Model:       r.cfg.Model,
		System:      r.cfg.SystemPrompt,
		Messages:    buildMessages(history, input),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion failed: %w", r.client.Name(), err)
	}

	r.logger.Debug("completion finished",
		zap.String("provider", r.client.Name()),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.String("stop_reason", resp.StopReason),
		zap.Int64("latency_ms", resp.LatencyMs),
	)

	reply := parseReply(resp.Content)
	if reply.Text == "" && !reply.Handoff {
		return nil, ErrEmptyReply
	}
	return reply, nil
}

func parseReply(content string) *model.AIReply {
	handoff := strings.Contains(content, HandoffMarker)
	text := strings.TrimSpace(strings.ReplaceAll(content, HandoffMarker, ""))
	return &model.AIReply{Text: text, Handoff: handoff}
}

// buildMessages maps the conversation onto alternating user/assistant turns that start
// with the user. Consecutive turns of the same role are merged.
func buildMessages(history []model.Message, input string) []ChatMessage {
	var out []ChatMessage
	add := func(role, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		if len(out) == 0 && role != RoleUser {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			return
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}

	for _, m := range history {
		switch m.SenderType {
		case model.SenderCustomer:
			add(RoleUser, m.Content)
		case model.SenderAI:
			add(RoleAssistant, m.Content)
		}
	}
	add(RoleUser, input)
	return out
}

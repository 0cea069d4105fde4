package model

import (
	"time"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAI       SenderType = "ai"
	SenderHuman    SenderType = "human"
)

// Source identifies the channel a message came in on.
type Source string

const (
	SourceWidget    Source = "widget"
	SourceSlack     Source = "slack"
	SourceQuoteFlow Source = "quote_flow"
)

// Message is an immutable conversation message.
type Message struct {
	// ID is assigned by the store and strictly increases within a conversation.
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Content        string     `json:"content"`
	SenderType     SenderType `json:"sender_type"`
	Source         Source     `json:"source"`

	// Slack metadata (human messages only)
	SlackMessageTS  string `json:"slack_message_ts,omitempty"`
	ExternalEventID string `json:"-"`
	AgentName       string `json:"agent_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SendMessageRequest is the request to post a customer message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// AIReply is what the Responder produced for one cycle.
type AIReply struct {
	Text string
	// Handoff is set when the model asked for a human agent.
	Handoff bool
}

// Package model defines data structures for the livechat platform.
package model

import (
	"strings"
	"time"
)

// Mode is the conversation state that decides who may act on it.
type Mode string

const (
	ModeAIActive       Mode = "AI_ACTIVE"
	ModeHandoffPending Mode = "HANDOFF_PENDING"
	ModeHumanActive    Mode = "HUMAN_ACTIVE"
	ModeClosed         Mode = "CLOSED"
)

var transitions = map[Mode][]Mode{
	ModeAIActive:       {ModeHandoffPending, ModeClosed},
	ModeHandoffPending: {ModeHumanActive, ModeClosed, ModeAIActive},
	ModeHumanActive:    {ModeClosed, ModeAIActive},
	ModeClosed:         nil,
}

// CanTransitionTo reports whether the state machine allows m -> to.
func (m Mode) CanTransitionTo(to Mode) bool {
	for _, next := range transitions[m] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every mode that may transition into to.
func SourcesOf(to Mode) []Mode {
	var from []Mode
	for _, m := range []Mode{ModeAIActive, ModeHandoffPending, ModeHumanActive, ModeClosed} {
		if m.CanTransitionTo(to) {
			from = append(from, m)
		}
	}
	return from
}

// Status is the lower-case form pushed to the widget.
func (m Mode) Status() string {
	return strings.ToLower(string(m))
}

// Conversation represents one visitor's chat thread.
type Conversation struct {
	ID               string         `json:"id"`
	CustomerID       string         `json:"customer_id"`
	CustomerName     string         `json:"customer_name,omitempty"`
	CustomerEmail    string         `json:"customer_email,omitempty"`
	CustomerMetadata map[string]any `json:"customer_metadata,omitempty"`
	Mode             Mode           `json:"mode"`

	// Slack thread the conversation is mirrored into.
	SlackChannelID string `json:"slack_channel_id,omitempty"`
	SlackThreadTS  string `json:"slack_thread_ts,omitempty"`

	// LastCustomerMsgIDHandled is the high-water mark of answered customer messages.
	LastCustomerMsgIDHandled int64 `json:"last_customer_msg_id_handled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasThread reports whether a Slack thread was opened for the conversation.
func (c *Conversation) HasThread() bool {
	return c.SlackChannelID != "" && c.SlackThreadTS != ""
}

// CreateConversationRequest is the request to open a conversation.
type CreateConversationRequest struct {
	CustomerID       string         `json:"customer_id"`
	CustomerName     string         `json:"customer_name,omitempty"`
	CustomerEmail    string         `json:"customer_email,omitempty"`
	CustomerMetadata map[string]any `json:"customer_metadata,omitempty"`
}

// ConversationResponse is a conversation together with its messages.
type ConversationResponse struct {
	*Conversation
	Messages []Message `json:"messages"`
}

package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeCreated          EventType = "created"
	EventTypeHandoffRequested EventType = "handoff_requested"
	EventTypeHumanTakeover    EventType = "human_takeover"
	EventTypeClosed           EventType = "closed"
	EventTypeAIResumed        EventType = "ai_resumed"
	EventTypeQuoteSubmitted   EventType = "quote_submitted"
)

// ConversationEvent is an audit record of something that happened to a conversation.
type ConversationEvent struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Type           EventType      `json:"event_type"`
	Actor          string         `json:"actor"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Stream event types sent to connected widgets.
const (
	StreamEventConnected = "connected"
	StreamEventMessage   = "message"
	StreamEventStatus    = "status"
)

// StreamEvent is the JSON payload written to a live widget connection.
type StreamEvent struct {
	Type      string         `json:"type"`
	Message   *StreamMessage `json:"message,omitempty"`
	Status    string         `json:"status,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
}

// StreamMessage is the message shape carried by a StreamEvent.
type StreamMessage struct {
	ID         int64      `json:"id"`
	Content    string     `json:"content"`
	SenderType SenderType `json:"sender_type"`
	AgentName  string     `json:"agent_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewMessageEvent wraps a persisted message for the stream.
func NewMessageEvent(msg *Message) StreamEvent {
	return StreamEvent{
		Type: StreamEventMessage,
		Message: &StreamMessage{
			ID:         msg.ID,
			Content:    msg.Content,
			SenderType: msg.SenderType,
			AgentName:  msg.AgentName,
			CreatedAt:  msg.CreatedAt,
		},
	}
}

// NewStatusEvent reports a mode change to the stream.
func NewStatusEvent(mode Mode, agentName string) StreamEvent {
	return StreamEvent{
		Type:      StreamEventStatus,
		Status:    mode.Status(),
		AgentName: agentName,
	}
}

// StatusUpdate is a mode change announced in the agent workspace.
type StatusUpdate string

const (
	StatusUpdateTakeover  StatusUpdate = "takeover"
	StatusUpdateClosed    StatusUpdate = "closed"
	StatusUpdateAIResumed StatusUpdate = "ai_resumed"
)

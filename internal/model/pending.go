package model

import "time"

// PendingResponse tracks an unanswered burst of customer messages.
// It exists only while at least one customer message awaits an AI reply.
type PendingResponse struct {
	PendingUntil   time.Time `json:"pending_until"`
	FirstPendingAt time.Time `json:"first_pending_at"`
	LastMessageID  int64     `json:"last_message_id"`

	// Revision is the storage revision the value was read at.
	Revision uint64 `json:"-"`
}

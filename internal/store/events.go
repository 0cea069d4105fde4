package store

import (
	"context"
	"fmt"

	"github.com/martechdevs/livechat/internal/model"
)

// CreateEvent records an audit event for a conversation.
func (db *DB) CreateEvent(ctx context.Context, evt *model.ConversationEvent) (*model.ConversationEvent, error) {
	evt.CreatedAt = db.now()

	meta, err := encodeMetadata(evt.Metadata)
	if err != nil {
		return nil, err
	}

	res, err := db.sql.ExecContext(ctx,
		`INSERT INTO conversation_events (conversation_id, event_type, actor, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		evt.ConversationID, evt.Type, evt.Actor, meta, formatTime(evt.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}

	if evt.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading event id: %w", err)
	}
	return evt, nil
}

// ListEvents returns the audit trail of a conversation, oldest first.
func (db *DB) ListEvents(ctx context.Context, conversationID string) ([]model.ConversationEvent, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, conversation_id, event_type, actor, metadata, created_at
		 FROM conversation_events WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	events := []model.ConversationEvent{}
	for rows.Next() {
		var (
			evt             model.ConversationEvent
			meta, createdAt string
		)
		if err := rows.Scan(&evt.ID, &evt.ConversationID, &evt.Type, &evt.Actor, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Metadata = decodeMetadata(meta)
		evt.CreatedAt = parseTime(createdAt)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// SaveQuoteAnswer stores (or replaces) the answer to one quote field.
func (db *DB) SaveQuoteAnswer(ctx context.Context, conversationID, field, value string) error {
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO quote_answers (conversation_id, field, value, answered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (conversation_id, field) DO UPDATE SET value = excluded.value, answered_at = excluded.answered_at`,
		conversationID, field, value, formatTime(db.now()))
	if err != nil {
		return fmt.Errorf("saving quote answer: %w", err)
	}
	return nil
}

// QuoteAnswers returns the answered quote fields of a conversation.
func (db *DB) QuoteAnswers(ctx context.Context, conversationID string) (map[string]string, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT field, value FROM quote_answers WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing quote answers: %w", err)
	}
	defer rows.Close()

	answers := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning quote answer: %w", err)
		}
		answers[field] = value
	}
	return answers, rows.Err()
}

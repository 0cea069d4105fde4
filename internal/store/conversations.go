package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/martechdevs/livechat/internal/model"
)

const conversationColumns = `id, customer_id, customer_name, customer_email, customer_metadata, mode,
	slack_channel_id, slack_thread_ts, last_customer_msg_id_handled, created_at, updated_at`

// CreateConversation inserts a new conversation in AI_ACTIVE mode.
func (db *DB) CreateConversation(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := db.now()
	conv := &model.Conversation{
		ID:               uuid.Must(uuid.NewV7()).String(),
		CustomerID:       req.CustomerID,
		CustomerName:     req.CustomerName,
		CustomerEmail:    req.CustomerEmail,
		CustomerMetadata: req.CustomerMetadata,
		Mode:             model.ModeAIActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	meta, err := encodeMetadata(conv.CustomerMetadata)
	if err != nil {
		return nil, err
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO conversations (id, customer_id, customer_name, customer_email, customer_metadata, mode, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.CustomerID, conv.CustomerName, conv.CustomerEmail, meta, conv.Mode,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	return conv, nil
}

// GetConversation returns a conversation by id.
func (db *DB) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// FindOpenConversationByCustomer returns the newest non-closed conversation for a customer.
func (db *DB) FindOpenConversationByCustomer(ctx context.Context, customerID string) (*model.Conversation, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE customer_id = ? AND mode != ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, customerID, model.ModeClosed)
	return scanConversation(row)
}

// FindConversationByThread resolves the conversation mirrored into a Slack thread.
func (db *DB) FindConversationByThread(ctx context.Context, channelID, threadTS string) (*model.Conversation, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE slack_channel_id = ? AND slack_thread_ts = ?`, channelID, threadTS)
	return scanConversation(row)
}

// SetThread records the Slack thread a conversation is mirrored into.
func (db *DB) SetThread(ctx context.Context, id, channelID, threadTS string) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE conversations SET slack_channel_id = ?, slack_thread_ts = ?, updated_at = ? WHERE id = ?`,
		channelID, threadTS, formatTime(db.now()), id)
	if err != nil {
		return fmt.Errorf("setting thread: %w", err)
	}
	return requireAffected(res)
}

// UpdateMode moves a conversation to mode `to`, but only if its current mode is one of from.
// It returns ErrModeConflict when the conversation exists in some other mode.
func (db *DB) UpdateMode(ctx context.Context, id string, to model.Mode, from ...model.Mode) (*model.Conversation, error) {
	if len(from) == 0 {
		return nil, errors.New("UpdateMode requires at least one source mode")
	}

	args := []any{to, formatTime(db.now()), id}
	placeholders := make([]string, len(from))
	for i, m := range from {
		placeholders[i] = "?"
		args = append(args, m)
	}

	res, err := db.sql.ExecContext(ctx,
		`UPDATE conversations SET mode = ?, updated_at = ?
		 WHERE id = ? AND mode IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating mode: %w", err)
	}

	if err := requireAffected(res); err != nil {
		if _, getErr := db.GetConversation(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrModeConflict
	}

	return db.GetConversation(ctx, id)
}

// AdvanceHandled raises the high-water mark of answered customer messages.
// The mark never decreases.
func (db *DB) AdvanceHandled(ctx context.Context, id string, messageID int64) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE conversations
		 SET last_customer_msg_id_handled = MAX(last_customer_msg_id_handled, ?), updated_at = ?
		 WHERE id = ?`,
		messageID, formatTime(db.now()), id)
	if err != nil {
		return fmt.Errorf("advancing high-water mark: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv                 model.Conversation
		meta                 string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&conv.ID, &conv.CustomerID, &conv.CustomerName, &conv.CustomerEmail, &meta, &conv.Mode,
		&conv.SlackChannelID, &conv.SlackThreadTS, &conv.LastCustomerMsgIDHandled,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CustomerMetadata = decodeMetadata(meta)
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return &conv, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil
	}
	return meta
}

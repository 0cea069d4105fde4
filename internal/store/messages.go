package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/martechdevs/livechat/internal/model"
)

const messageColumns = `id, conversation_id, content, sender_type, source, slack_message_ts,
	COALESCE(external_event_id, ''), agent_name, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateMessage appends a message and assigns its id.
// A message whose ExternalEventID was already stored returns ErrDuplicate.
func (db *DB) CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if err := db.insertMessage(ctx, db.sql, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// CommitReply stores the parts of an AI reply and moves the high-water mark from
// fromMark to toMark in one transaction. If the mark is no longer fromMark nothing
// is written and ErrReplyConflict is returned.
func (db *DB) CommitReply(ctx context.Context, conversationID string, fromMark, toMark int64, parts []*model.Message) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reply transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET last_customer_msg_id_handled = ?, updated_at = ?
		 WHERE id = ? AND last_customer_msg_id_handled = ?`,
		toMark, formatTime(db.now()), conversationID, fromMark)
	if err != nil {
		return fmt.Errorf("advancing high-water mark: %w", err)
	}
	if err := requireAffected(res); err != nil {
		var exists bool
		if qerr := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = ?)`, conversationID).Scan(&exists); qerr != nil {
			return fmt.Errorf("checking conversation: %w", qerr)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrReplyConflict
	}

	for _, part := range parts {
		part.ConversationID = conversationID
		if err := db.insertMessage(ctx, tx, part); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reply: %w", err)
	}
	return nil
}

func (db *DB) insertMessage(ctx context.Context, ex execer, msg *model.Message) error {
	if msg.Source == "" {
		msg.Source = model.SourceWidget
	}
	msg.CreatedAt = db.now()

	var externalID any
	if msg.ExternalEventID != "" {
		externalID = msg.ExternalEventID
	}

	res, err := ex.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, content, sender_type, source, slack_message_ts, external_event_id, agent_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Content, msg.SenderType, msg.Source, msg.SlackMessageTS,
		externalID, msg.AgentName, formatTime(msg.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// ListMessages returns every message of a conversation in id order.
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// MessageExistsByExternalEvent reports whether an inbound event was already stored.
func (db *DB) MessageExistsByExternalEvent(ctx context.Context, externalEventID string) (bool, error) {
	var exists bool
	err := db.sql.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE external_event_id = ?)`, externalEventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking external event: %w", err)
	}
	return exists, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg       model.Message
		createdAt string
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Content, &msg.SenderType, &msg.Source,
		&msg.SlackMessageTS, &msg.ExternalEventID, &msg.AgentName, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	msg.CreatedAt = parseTime(createdAt)
	return &msg, nil
}

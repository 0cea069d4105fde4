package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/logger"
)

const (
	// PendingBucket holds the pending-response state of every conversation.
	PendingBucket = "LIVECHAT_PENDING"

	// LockBucket holds per-conversation locks. Entries expire after the bucket TTL.
	LockBucket = "LIVECHAT_LOCKS"
)

// StateStore keeps the orchestrator's shared per-conversation state in JetStream KV,
// so any worker process can service any conversation.
type StateStore struct {
	pending jetstream.KeyValue
	locks   jetstream.KeyValue
	logger  *logger.Logger
}

// NewStateStore ensures both KV buckets exist. Locks expire after lockTTL.
func NewStateStore(ctx context.Context, client *Client, lockTTL time.Duration) (*StateStore, error) {
	js := client.JetStream()

	pending, err := ensureKeyValue(ctx, js, jetstream.KeyValueConfig{
		Bucket:      PendingBucket,
		Description: "Pending AI response state per conversation",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	locks, err := ensureKeyValue(ctx, js, jetstream.KeyValueConfig{
		Bucket:      LockBucket,
		Description: "Per-conversation AI processing locks",
		History:     1,
		TTL:         lockTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}

	return &StateStore{
		pending: pending,
		locks:   locks,
		logger:  client.logger.Named("state"),
	}, nil
}

func ensureKeyValue(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", cfg.Bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// GetPending returns the pending state of a conversation, or nil when nothing is pending.
func (s *StateStore) GetPending(ctx context.Context, conversationID string) (*model.PendingResponse, error) {
	entry, err := s.pending.Get(ctx, conversationID)
	if isAbsent(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending state: %w", err)
	}

	var p model.PendingResponse
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending state: %w", err)
	}
	p.Revision = entry.Revision()
	return &p, nil
}

// PutPending overwrites the pending state of a conversation.
func (s *StateStore) PutPending(ctx context.Context, conversationID string, p model.PendingResponse) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending state: %w", err)
	}
	if _, err := s.pending.Put(ctx, conversationID, data); err != nil {
		return fmt.Errorf("failed to write pending state: %w", err)
	}
	return nil
}

// ClearPending deletes the pending state only if it is still at revision.
// It reports false when a newer write happened in between.
func (s *StateStore) ClearPending(ctx context.Context, conversationID string, revision uint64) (bool, error) {
	err := s.pending.Delete(ctx, conversationID, jetstream.LastRevision(revision))
	if err == nil {
		return true, nil
	}
	if isRevisionMismatch(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to clear pending state: %w", err)
}

// AcquireLock takes the conversation's lock if nobody holds it.
// When acquired, the returned release func must be called to free it.
func (s *StateStore) AcquireLock(ctx context.Context, conversationID string) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	rev, err := s.locks.Create(ctx, conversationID, []byte(token))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	release := func(ctx context.Context) error {
		err := s.locks.Delete(ctx, conversationID, jetstream.LastRevision(rev))
		if err != nil && isRevisionMismatch(err) {
			// The lock expired and someone else owns it now.
			s.logger.Warn("lock expired before release", zap.String("conversation_id", conversationID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}

func isAbsent(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func isRevisionMismatch(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return isAbsent(err)
}

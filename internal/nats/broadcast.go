package nats

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/pkg/logger"
)

// RealtimeSubjectPrefix is the prefix for realtime fan-out subjects.
const RealtimeSubjectPrefix = "livechat.realtime"

// RealtimeSubject returns the broadcast subject for a conversation.
func RealtimeSubject(conversationID string) string {
	return RealtimeSubjectPrefix + "." + conversationID
}

// Broadcaster publishes realtime events on core NATS so that every process
// holding a connection for a conversation receives them.
type Broadcaster struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewBroadcaster creates a broadcaster on the client's connection.
func NewBroadcaster(client *Client) *Broadcaster {
	return &Broadcaster{
		conn:   client.Conn(),
		logger: client.logger.Named("broadcast"),
	}
}

// Publish sends a payload to every subscriber of the conversation.
func (b *Broadcaster) Publish(ctx context.Context, conversationID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(RealtimeSubject(conversationID), payload); err != nil {
		return fmt.Errorf("failed to publish realtime event: %w", err)
	}
	return nil
}

// Subscribe delivers every conversation's broadcasts to handler until the returned
// func is called.
func (b *Broadcaster) Subscribe(handler func(conversationID string, payload []byte)) (func() error, error) {
	sub, err := b.conn.Subscribe(RealtimeSubjectPrefix+".>", func(msg *nats.Msg) {
		conversationID := strings.TrimPrefix(msg.Subject, RealtimeSubjectPrefix+".")
		if conversationID == "" || conversationID == msg.Subject {
			b.logger.Warn("ignoring realtime event on unexpected subject", zap.String("subject", msg.Subject))
			return
		}
		handler(conversationID, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to realtime events: %w", err)
	}
	return sub.Unsubscribe, nil
}

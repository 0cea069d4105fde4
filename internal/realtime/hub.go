// Package realtime delivers conversation events to connected widgets.
//
// Events are never written to sinks directly. SendToConversation publishes on a shared
// broadcast subject and every process, the publisher included, forwards what it
// receives to the sinks it holds locally.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/metrics"
)

// ErrSlowConsumer is returned by AddConnection when a sink fell too far behind.
var ErrSlowConsumer = errors.New("sink dropped: event queue full")

// Broadcaster is the cross-process pub/sub channel.
type Broadcaster interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
	Subscribe(handler func(conversationID string, payload []byte)) (func() error, error)
}

// Sink is one live widget connection.
type Sink interface {
	// Send writes one JSON event.
	Send(payload []byte) error
	// Keepalive writes a frame that carries no event.
	Keepalive() error
	// Transport names the sink kind for metrics.
	Transport() string
}

// Config tunes the hub.
type Config struct {
	KeepaliveInterval time.Duration
	// QueueSize is how many undelivered events a sink may buffer before it is dropped.
	QueueSize int
}

type conn struct {
	events  chan []byte
	dropped chan struct{}
	once    sync.Once
}

func (c *conn) drop() {
	c.once.Do(func() { close(c.dropped) })
}

// Hub tracks local sinks per conversation.
type Hub struct {
	broadcaster Broadcaster
	cfg         Config
	logger      *logger.Logger

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}

	unsubscribe func() error
}

// NewHub creates a hub. Start must be called before events are delivered.
func NewHub(broadcaster Broadcaster, cfg Config, log *logger.Logger) *Hub {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 25 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Hub{
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      log.Named("realtime"),
		conns:       make(map[string]map[*conn]struct{}),
	}
}

// Start subscribes the hub to the broadcast channel.
func (h *Hub) Start() error {
	unsubscribe, err := h.broadcaster.Subscribe(h.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to broadcasts: %w", err)
	}
	h.unsubscribe = unsubscribe
	return nil
}

// Stop ends the broadcast subscription. Open connections keep running until their
// contexts end.
func (h *Hub) Stop() error {
	if h.unsubscribe == nil {
		return nil
	}
	return h.unsubscribe()
}

// AddConnection registers sink for a conversation and serves it until ctx ends or a
// write fails. It sends a connected event first.
func (h *Hub) AddConnection(ctx context.Context, conversationID string, sink Sink) error {
	c := &conn{
		events:  make(chan []byte, h.cfg.QueueSize),
		dropped: make(chan struct{}),
	}
	h.register(conversationID, c)
	defer h.deregister(conversationID, c)

	transport := sink.Transport()
	metrics.IncrementStreamConnections(transport)
	defer metrics.DecrementStreamConnections(transport)

	log := h.logger.WithConversation(conversationID).With(zap.String("transport", transport))

	connected, _ := json.Marshal(model.StreamEvent{Type: model.StreamEventConnected})
	if err := sink.Send(connected); err != nil {
		return fmt.Errorf("failed to send connected event: %w", err)
	}
	log.Debug("stream connected")

	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("stream disconnected")
			return nil

		case <-c.dropped:
			log.Warn("dropping slow stream")
			return ErrSlowConsumer

		case payload := <-c.events:
			if err := sink.Send(payload); err != nil {
				metrics.HubDeliveriesTotal.WithLabelValues("failed").Inc()
				log.Debug("stream write failed", zap.Error(err))
				return fmt.Errorf("failed to write event: %w", err)
			}
			metrics.HubDeliveriesTotal.WithLabelValues("delivered").Inc()

		case <-ticker.C:
			if err := sink.Keepalive(); err != nil {
				log.Debug("keepalive failed", zap.Error(err))
				return fmt.Errorf("failed to write keepalive: %w", err)
			}
		}
	}
}

// SendToConversation publishes an event to every process holding a sink for the conversation.
func (h *Hub) SendToConversation(ctx context.Context, conversationID string, event model.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	return h.broadcaster.Publish(ctx, conversationID, payload)
}

// ConnectionCount returns the sinks held locally for a conversation.
func (h *Hub) ConnectionCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[conversationID])
}

// TotalConnections returns every sink held by this process.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	return total
}

func (h *Hub) dispatch(conversationID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns[conversationID] {
		select {
		case c.events <- payload:
		default:
			metrics.HubDeliveriesTotal.WithLabelValues("dropped").Inc()
			c.drop()
		}
	}
}

func (h *Hub) register(conversationID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[conversationID]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[conversationID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) deregister(conversationID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.conns[conversationID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, conversationID)
	}
}

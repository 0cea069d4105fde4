// Package lifecycle applies conversation mode transitions and their side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/metrics"
)

// ErrInvalidTransition is returned when the conversation's current mode does not allow the change.
var ErrInvalidTransition = errors.New("invalid mode transition")

// Store is the persistence a transition touches.
type Store interface {
	UpdateMode(ctx context.Context, id string, to model.Mode, from ...model.Mode) (*model.Conversation, error)
	CreateEvent(ctx context.Context, evt *model.ConversationEvent) (*model.ConversationEvent, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	AdvanceHandled(ctx context.Context, id string, messageID int64) error
}

// Notifier announces transitions in the agent workspace.
type Notifier interface {
	PostHandoffRequest(ctx context.Context, conv *model.Conversation, reason string) error
	PostStatusUpdate(ctx context.Context, conv *model.Conversation, status model.StatusUpdate, agentName string) error
}

// Publisher pushes status events to live widget connections.
type Publisher interface {
	SendToConversation(ctx context.Context, conversationID string, event model.StreamEvent) error
}

// Agent is the human acting on a conversation.
type Agent struct {
	ID   string
	Name string
}

func (a Agent) actor() string {
	return "agent:" + a.ID
}

// Machine performs mode transitions.
type Machine struct {
	store     Store
	notifier  Notifier
	publisher Publisher
	logger    *logger.Logger
}

// New creates a Machine.
func New(s Store, notifier Notifier, publisher Publisher, log *logger.Logger) *Machine {
	return &Machine{
		store:     s,
		notifier:  notifier,
		publisher: publisher,
		logger:    log.Named("lifecycle"),
	}
}

// RequestHandoff moves an AI conversation to HANDOFF_PENDING and asks the agent
// workspace to pick it up.
func (m *Machine) RequestHandoff(ctx context.Context, conv *model.Conversation, reason string) error {
	updated, err := m.transition(ctx, conv.ID, model.ModeHandoffPending, "ai", model.EventTypeHandoffRequested,
		map[string]any{"reason": reason})
	if err != nil {
		return err
	}

	if err := m.notifier.PostHandoffRequest(ctx, updated, reason); err != nil {
		m.notifyFailed("handoff_request", conv.ID, err)
	}
	m.push(ctx, updated.ID, model.NewStatusEvent(model.ModeHandoffPending, ""))
	return nil
}

// TakeOver hands the conversation to a human agent.
func (m *Machine) TakeOver(ctx context.Context, conversationID string, agent Agent) (*model.Conversation, error) {
	conv, err := m.transition(ctx, conversationID, model.ModeHumanActive, agent.actor(), model.EventTypeHumanTakeover,
		map[string]any{"agent_name": agent.Name})
	if err != nil {
		return nil, err
	}

	m.announce(ctx, conv, model.StatusUpdateTakeover, agent.Name)
	m.push(ctx, conv.ID, model.NewStatusEvent(model.ModeHumanActive, agent.Name))
	return conv, nil
}

// Close ends the conversation. It is allowed from every open mode.
func (m *Machine) Close(ctx context.Context, conversationID string, agent Agent) (*model.Conversation, error) {
	conv, err := m.transition(ctx, conversationID, model.ModeClosed, agent.actor(), model.EventTypeClosed,
		map[string]any{"agent_name": agent.Name})
	if err != nil {
		return nil, err
	}

	m.announce(ctx, conv, model.StatusUpdateClosed, agent.Name)
	m.push(ctx, conv.ID, model.NewStatusEvent(model.ModeClosed, ""))
	return conv, nil
}

// ResumeAI returns a handed-off conversation to the AI. Customer messages received
// while a human was in charge count as handled, so the AI only answers what comes next.
func (m *Machine) ResumeAI(ctx context.Context, conversationID, actor string) (*model.Conversation, error) {
	conv, err := m.transition(ctx, conversationID, model.ModeAIActive, actor, model.EventTypeAIResumed, nil)
	if err != nil {
		return nil, err
	}

	if err := m.markAllHandled(ctx, conv); err != nil {
		m.logger.WithConversation(conv.ID).Error("failed to advance high-water mark on resume", zap.Error(err))
	}

	m.announce(ctx, conv, model.StatusUpdateAIResumed, "")
	m.push(ctx, conv.ID, model.NewStatusEvent(model.ModeAIActive, ""))
	return conv, nil
}

func (m *Machine) transition(
	ctx context.Context,
	conversationID string,
	to model.Mode,
	actor string,
	eventType model.EventType,
	meta map[string]any,
) (*model.Conversation, error) {
	log := m.logger.WithConversation(conversationID)

	conv, err := m.store.UpdateMode(ctx, conversationID, to, model.SourcesOf(to)...)
	if errors.Is(err, store.ErrModeConflict) {
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, to)
	}
	if err != nil {
		return nil, err
	}
	metrics.ModeTransitionsTotal.WithLabelValues(string(to)).Inc()
	log.Info("conversation mode changed", zap.String("mode", string(to)), zap.String("actor", actor))

	// The mode change stands even if the audit row cannot be written.
	if _, err := m.store.CreateEvent(ctx, &model.ConversationEvent{
		ConversationID: conversationID,
		Type:           eventType,
		Actor:          actor,
		Metadata:       meta,
	}); err != nil {
		log.Error("failed to record conversation event", zap.String("event_type", string(eventType)), zap.Error(err))
	}

	return conv, nil
}

func (m *Machine) markAllHandled(ctx context.Context, conv *model.Conversation) error {
	messages, err := m.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	var last int64
	for _, msg := range messages {
		if msg.SenderType == model.SenderCustomer && msg.ID > last {
			last = msg.ID
		}
	}
	if last <= conv.LastCustomerMsgIDHandled {
		return nil
	}
	if err := m.store.AdvanceHandled(ctx, conv.ID, last); err != nil {
		return err
	}
	conv.LastCustomerMsgIDHandled = last
	return nil
}

func (m *Machine) announce(ctx context.Context, conv *model.Conversation, status model.StatusUpdate, agentName string) {
	if err := m.notifier.PostStatusUpdate(ctx, conv, status, agentName); err != nil {
		m.notifyFailed("status_update", conv.ID, err)
	}
}

func (m *Machine) notifyFailed(operation, conversationID string, err error) {
	metrics.NotifierFailuresTotal.WithLabelValues(operation).Inc()
	m.logger.WithConversation(conversationID).Warn("notifier call failed",
		zap.String("operation", operation), zap.Error(err))
}

func (m *Machine) push(ctx context.Context, conversationID string, event model.StreamEvent) {
	if err := m.publisher.SendToConversation(ctx, conversationID, event); err != nil {
		m.logger.WithConversation(conversationID).Warn("failed to push status", zap.Error(err))
	}
}

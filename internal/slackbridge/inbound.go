package slackbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/lifecycle"
	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/metrics"
)

// ErrInvalidSignature is returned when a webhook request fails verification.
var ErrInvalidSignature = errors.New("invalid slack signature")

// Verify reads the request body and checks its v0 signature. Requests whose
// timestamp is more than five minutes off are rejected.
func Verify(r *http.Request, signingSecret string) ([]byte, error) {
	sv, err := slack.NewSecretsVerifier(r.Header, signingSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	body, err := io.ReadAll(io.TeeReader(r.Body, &sv))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if err := sv.Ensure(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return body, nil
}

// ParseInteraction decodes the form-encoded payload of an interactivity request.
func ParseInteraction(body []byte) (*slack.InteractionCallback, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse interaction form: %w", err)
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		return nil, fmt.Errorf("failed to decode interaction payload: %w", err)
	}
	return &cb, nil
}

// EventStore is the persistence the event processor uses.
type EventStore interface {
	FindConversationByThread(ctx context.Context, channelID, threadTS string) (*model.Conversation, error)
	MessageExistsByExternalEvent(ctx context.Context, externalEventID string) (bool, error)
	CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
}

// AgentNamer resolves Slack users to display names.
type AgentNamer interface {
	AgentName(ctx context.Context, userID string) string
}

// Publisher pushes events to live widget connections.
type Publisher interface {
	SendToConversation(ctx context.Context, conversationID string, event model.StreamEvent) error
}

// EventProcessor turns agent replies in a conversation thread into messages.
type EventProcessor struct {
	store     EventStore
	names     AgentNamer
	publisher Publisher
	logger    *logger.Logger
}

// NewEventProcessor creates an EventProcessor.
func NewEventProcessor(s EventStore, names AgentNamer, publisher Publisher, log *logger.Logger) *EventProcessor {
	return &EventProcessor{
		store:     s,
		names:     names,
		publisher: publisher,
		logger:    log.Named("slack_events"),
	}
}

// HandleEvent dispatches an Events API callback. Unhandled event types are ignored.
func (p *EventProcessor) HandleEvent(ctx context.Context, event slackevents.EventsAPIEvent) error {
	if event.Type != slackevents.CallbackEvent {
		return nil
	}
	if msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		return p.HandleMessage(ctx, msg)
	}
	return nil
}

// ExternalEventID is the dedupe key of a Slack message event.
func ExternalEventID(ev *slackevents.MessageEvent) string {
	return fmt.Sprintf("slack_%s_%s_%s", ev.Channel, ev.TimeStamp, ev.EventTimeStamp)
}

// HandleMessage persists an agent's thread reply and pushes it to the widget. Only
// conversations in HUMAN_ACTIVE accept agent text.
func (p *EventProcessor) HandleMessage(ctx context.Context, ev *slackevents.MessageEvent) error {
	if ev.ThreadTimeStamp == "" || ev.BotID != "" || ev.SubType != "" {
		return nil
	}

	conv, err := p.store.FindConversationByThread(ctx, ev.Channel, ev.ThreadTimeStamp)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Debug("no conversation for thread", zap.String("thread_ts", ev.ThreadTimeStamp))
		return nil
	}
	if err != nil {
		return err
	}

	log := p.logger.WithConversation(conv.ID)
	if conv.Mode != model.ModeHumanActive {
		log.Debug("ignoring agent message", zap.String("mode", string(conv.Mode)))
		return nil
	}

	eventID := ExternalEventID(ev)
	exists, err := p.store.MessageExistsByExternalEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if exists {
		log.Debug("duplicate slack event", zap.String("event_id", eventID))
		return nil
	}

	msg, err := p.store.CreateMessage(ctx, &model.Message{
		ConversationID:  conv.ID,
		Content:         ev.Text,
		SenderType:      model.SenderHuman,
		Source:          model.SourceSlack,
		SlackMessageTS:  ev.TimeStamp,
		ExternalEventID: eventID,
		AgentName:       p.names.AgentName(ctx, ev.User),
	})
	if errors.Is(err, store.ErrDuplicate) {
		log.Debug("duplicate slack event", zap.String("event_id", eventID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save agent message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.SenderHuman), string(model.SourceSlack)).Inc()

	if err := p.publisher.SendToConversation(ctx, conv.ID, model.NewMessageEvent(msg)); err != nil {
		log.Warn("failed to push agent message", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

// Transitions are the mode changes agents trigger from Slack.
type Transitions interface {
	TakeOver(ctx context.Context, conversationID string, agent lifecycle.Agent) (*model.Conversation, error)
	Close(ctx context.Context, conversationID string, agent lifecycle.Agent) (*model.Conversation, error)
}

// InteractionProcessor handles handoff card button clicks.
type InteractionProcessor struct {
	transitions Transitions
	names       AgentNamer
	logger      *logger.Logger
}

// NewInteractionProcessor creates an InteractionProcessor.
func NewInteractionProcessor(transitions Transitions, names AgentNamer, log *logger.Logger) *InteractionProcessor {
	return &InteractionProcessor{
		transitions: transitions,
		names:       names,
		logger:      log.Named("slack_interactions"),
	}
}

// Handle applies the first block action of a callback.
func (p *InteractionProcessor) Handle(ctx context.Context, cb *slack.InteractionCallback) error {
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return nil
	}

	action := cb.ActionCallback.BlockActions[0]
	conversationID := action.Value
	agent := lifecycle.Agent{ID: cb.User.ID, Name: cb.User.Name}
	if agent.Name == "" {
		agent.Name = p.names.AgentName(ctx, cb.User.ID)
	}

	var err error
	switch action.ActionID {
	case ActionTakeover:
		_, err = p.transitions.TakeOver(ctx, conversationID, agent)
	case ActionClose:
		_, err = p.transitions.Close(ctx, conversationID, agent)
	default:
		return nil
	}

	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		// Another agent already acted on the card.
		p.logger.WithConversation(conversationID).Info("ignoring stale action",
			zap.String("action", action.ActionID), zap.String("agent_id", agent.ID))
		return nil
	}
	return err
}

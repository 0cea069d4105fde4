// Package orchestrator decides when the AI answers a conversation.
//
// Customer messages are coalesced over a debounce window, bounded by a maximum wait
// measured from the first unanswered message. A per-conversation lock guarantees at
// most one response cycle in flight, and the conversation's high-water mark keeps the
// AI answering a contiguous prefix of customer messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/metrics"
	"github.com/martechdevs/livechat/pkg/tracing"
)

// Store is the persistence the orchestrator reads and appends to.
type Store interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	CommitReply(ctx context.Context, conversationID string, fromMark, toMark int64, parts []*model.Message) error
}

// Responder generates the AI reply for new customer input.
type Responder interface {
	Generate(ctx context.Context, history []model.Message, input string) (*model.AIReply, error)
}

// Notifier mirrors messages to the agent workspace.
type Notifier interface {
	MirrorMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) error
}

// Publisher pushes events to live widget connections.
type Publisher interface {
	SendToConversation(ctx context.Context, conversationID string, event model.StreamEvent) error
}

// StateStore holds the shared pending-response state and locks.
type StateStore interface {
	GetPending(ctx context.Context, conversationID string) (*model.PendingResponse, error)
	PutPending(ctx context.Context, conversationID string, p model.PendingResponse) error
	ClearPending(ctx context.Context, conversationID string, revision uint64) (bool, error)
	AcquireLock(ctx context.Context, conversationID string) (func(context.Context) error, bool, error)
}

// Scheduler enqueues a deferred response cycle.
type Scheduler interface {
	Schedule(ctx context.Context, conversationID string, delay time.Duration) error
}

// Transitioner moves a conversation into HANDOFF_PENDING.
type Transitioner interface {
	RequestHandoff(ctx context.Context, conv *model.Conversation, reason string) error
}

// Config holds the orchestrator timing settings.
type Config struct {
	DebounceWindow   time.Duration
	MaxWait          time.Duration
	ResponderTimeout time.Duration
	// CycleTimeout bounds the work done while holding the lock. It must be below the lock TTL.
	CycleTimeout time.Duration
	// NotifyTimeout bounds each push, mirror and handoff call. Defaults to 10s.
	NotifyTimeout time.Duration
	MaxPartLength int
	PartDelay     time.Duration
}

// Outcome describes how a response cycle ended.
type Outcome string

const (
	OutcomeAnswered    Outcome = "answered"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeLocked      Outcome = "locked"
	OutcomeStale       Outcome = "stale"
	OutcomeModeChanged Outcome = "mode_changed"
	OutcomeNothingNew  Outcome = "nothing_new"
)

// Result is returned by ProcessAIResponse. When Reschedule is set the caller
// must enqueue another cycle after RescheduleAfter.
type Result struct {
	Outcome         Outcome
	Reschedule      bool
	RescheduleAfter time.Duration
	AnsweredThrough int64
}

// HandoffReason is posted with an AI-initiated handoff.
const HandoffReason = "AI has determined this conversation needs human assistance."

const (
	releaseTimeout       = 5 * time.Second
	defaultNotifyTimeout = 10 * time.Second
)

// Orchestrator coordinates AI response cycles.
type Orchestrator struct {
	store        Store
	responder    Responder
	notifier     Notifier
	publisher    Publisher
	state        StateStore
	scheduler    Scheduler
	transitioner Transitioner
	cfg          Config
	logger       *logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store        Store
	Responder    Responder
	Notifier     Notifier
	Publisher    Publisher
	State        StateStore
	Scheduler    Scheduler
	Transitioner Transitioner
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, log *logger.Logger) *Orchestrator {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	return &Orchestrator{
		store:        deps.Store,
		responder:    deps.Responder,
		notifier:     deps.Notifier,
		publisher:    deps.Publisher,
		state:        deps.State,
		scheduler:    deps.Scheduler,
		transitioner: deps.Transitioner,
		cfg:          cfg,
		logger:       log.Named("orchestrator"),
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// OnCustomerMessage reacts to a persisted customer message. In AI_ACTIVE mode it
// extends the debounce window and schedules a response cycle; in any other mode the
// message is only mirrored.
func (o *Orchestrator) OnCustomerMessage(ctx context.Context, conversationID string, messageID int64) error {
	log := o.logger.WithConversation(conversationID)

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	if conv.Mode != model.ModeAIActive {
		msg, err := o.store.GetMessage(ctx, messageID)
		if err != nil {
			return fmt.Errorf("loading message: %w", err)
		}
		o.mirror(ctx, log, conv, msg)
		return nil
	}

	pending, err := o.state.GetPending(ctx, conversationID)
	if err != nil {
		return err
	}

	now := o.now()
	next := model.PendingResponse{
		FirstPendingAt: now,
		LastMessageID:  messageID,
	}
	if pending != nil {
		if !pending.FirstPendingAt.IsZero() {
			next.FirstPendingAt = pending.FirstPendingAt
		}
		if pending.LastMessageID > messageID {
			next.LastMessageID = pending.LastMessageID
		}
	}

	// The window slides with every message but never past the max-wait deadline.
	next.PendingUntil = now.Add(o.cfg.DebounceWindow)
	if deadline := next.FirstPendingAt.Add(o.cfg.MaxWait); next.PendingUntil.After(deadline) {
		next.PendingUntil = deadline
	}
	if next.PendingUntil.Before(now) {
		next.PendingUntil = now
	}

	if err := o.state.PutPending(ctx, conversationID, next); err != nil {
		return err
	}

	delay := next.PendingUntil.Sub(now)
	if err := o.scheduler.Schedule(ctx, conversationID, delay); err != nil {
		return fmt.Errorf("scheduling response: %w", err)
	}

	log.Debug("response scheduled", zap.Int64("message_id", messageID), zap.Duration("delay", delay))
	return nil
}

// ProcessAIResponse runs one response cycle. It returns an error only when the cycle
// failed and should be retried.
func (o *Orchestrator) ProcessAIResponse(ctx context.Context, conversationID string) (Result, error) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "ProcessAIResponse")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	res, err := o.process(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.AICyclesTotal.WithLabelValues("error").Inc()
		return res, err
	}

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	metrics.AICyclesTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, conversationID string) (Result, error) {
	log := o.logger.WithConversation(conversationID)

	pending, err := o.state.GetPending(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	if res, wait := o.stillDebouncing(pending); wait {
		return res, nil
	}

	release, acquired, err := o.state.AcquireLock(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		log.Debug("conversation already locked")
		return Result{Outcome: OutcomeLocked}, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			log.Error("failed to release lock", zap.Error(err))
		}
	}()

	cycleCtx := ctx
	if o.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, o.cfg.CycleTimeout)
		defer cancel()
	}
	return o.respond(cycleCtx, log, conversationID)
}

// stillDebouncing reports whether the debounce window is open, with the
// reschedule that covers the remaining time.
func (o *Orchestrator) stillDebouncing(pending *model.PendingResponse) (Result, bool) {
	if pending == nil {
		return Result{}, false
	}
	now := o.now()
	if !now.Before(pending.PendingUntil) {
		return Result{}, false
	}
	return Result{
		Outcome:         OutcomeDeferred,
		Reschedule:      true,
		RescheduleAfter: pending.PendingUntil.Sub(now),
	}, true
}

// respond runs with the conversation lock held.
func (o *Orchestrator) respond(ctx context.Context, log *logger.Logger, conversationID string) (Result, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Mode != model.ModeAIActive {
		log.Info("conversation left AI mode, skipping response", zap.String("mode", string(conv.Mode)))
		o.dropPending(ctx, log, conversationID)
		return Result{Outcome: OutcomeModeChanged}, nil
	}

	messages, err := o.store.ListMessages(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("listing messages: %w", err)
	}

	fresh := newCustomerMessages(messages, conv.LastCustomerMsgIDHandled)
	if len(fresh) == 0 {
		o.dropPending(ctx, log, conversationID)
		return Result{Outcome: OutcomeNothingNew}, nil
	}
	answeredThrough := fresh[len(fresh)-1].ID

	// A message may have landed between the debounce check and the lock.
	pending, err := o.state.GetPending(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	if res, wait := o.stillDebouncing(pending); wait {
		return res, nil
	}
	if pending != nil && pending.LastMessageID > answeredThrough {
		return Result{Outcome: OutcomeStale, Reschedule: true}, nil
	}

	reply, err := o.generate(ctx, history(messages, conv.LastCustomerMsgIDHandled), customerInput(fresh))
	if err != nil {
		return Result{}, err
	}

	// Re-read right before commit. The answer is still valid for the prefix it covers,
	// so it is always delivered; anything newer gets a follow-up cycle.
	pending, err = o.state.GetPending(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}

	parts := replyParts(reply.Text, o.cfg.MaxPartLength)
	err = o.store.CommitReply(ctx, conversationID, conv.LastCustomerMsgIDHandled, answeredThrough, parts)
	if errors.Is(err, store.ErrReplyConflict) {
		log.Warn("high-water mark moved during generation, reply discarded",
			zap.Int64("answered_through", answeredThrough))
		return Result{Outcome: OutcomeStale, Reschedule: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("committing reply: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.SenderAI), string(model.SourceWidget)).Add(float64(len(parts)))

	o.deliver(ctx, log, conv, parts)

	res := Result{Outcome: OutcomeAnswered, AnsweredThrough: answeredThrough}

	if reply.Handoff {
		log.Info("handoff requested by AI")
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
		defer cancel()
		if err := o.transitioner.RequestHandoff(hctx, conv, HandoffReason); err != nil {
			log.Error("failed to request handoff", zap.Error(err))
		}
	}

	if pending != nil {
		cleared := false
		if pending.LastMessageID <= answeredThrough {
			if cleared, err = o.state.ClearPending(ctx, conversationID, pending.Revision); err != nil {
				return Result{}, err
			}
		}
		if !cleared && !reply.Handoff {
			res.Reschedule = true
			res.RescheduleAfter = o.followUpDelay(ctx, conversationID)
			log.Info("newer messages arrived during generation, follow-up scheduled",
				zap.Int64("answered_through", answeredThrough))
		}
	}

	return res, nil
}

func (o *Orchestrator) generate(ctx context.Context, hist []model.Message, input string) (*model.AIReply, error) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "Responder.Generate")
	defer span.End()

	if o.cfg.ResponderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ResponderTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := o.responder.Generate(ctx, hist, input)
	if err != nil {
		metrics.RecordResponder("error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generating response: %w", err)
	}
	metrics.RecordResponder("ok", time.Since(start).Seconds())
	return reply, nil
}

// replyParts splits a reply into the AI messages that carry it.
func replyParts(text string, maxLength int) []*model.Message {
	var parts []*model.Message
	for _, part := range SplitResponse(text, maxLength) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		parts = append(parts, &model.Message{
			Content:    part,
			SenderType: model.SenderAI,
			Source:     model.SourceWidget,
		})
	}
	return parts
}

// deliver pushes committed parts to the widget and mirrors them, pausing between parts.
// The reply is already stored, so delivery finishes even if the cycle deadline passes.
func (o *Orchestrator) deliver(ctx context.Context, log *logger.Logger, conv *model.Conversation, parts []*model.Message) {
	ctx = context.WithoutCancel(ctx)
	for i, msg := range parts {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.NotifyTimeout)
		if err := o.publisher.SendToConversation(pctx, conv.ID, model.NewMessageEvent(msg)); err != nil {
			log.Warn("failed to push AI message", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
		cancel()
		o.mirror(ctx, log, conv, msg)

		if i < len(parts)-1 && o.cfg.PartDelay > 0 {
			_ = o.sleep(ctx, o.cfg.PartDelay)
		}
	}
}

func (o *Orchestrator) mirror(ctx context.Context, log *logger.Logger, conv *model.Conversation, msg *model.Message) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.NotifyTimeout)
	defer cancel()
	if err := o.notifier.MirrorMessage(ctx, conv, msg); err != nil {
		metrics.NotifierFailuresTotal.WithLabelValues("mirror").Inc()
		log.Warn("failed to mirror message", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}

// followUpDelay is the time left in the current debounce window, or zero.
func (o *Orchestrator) followUpDelay(ctx context.Context, conversationID string) time.Duration {
	pending, err := o.state.GetPending(ctx, conversationID)
	if err != nil || pending == nil {
		return 0
	}
	if d := pending.PendingUntil.Sub(o.now()); d > 0 {
		return d
	}
	return 0
}

// dropPending clears pending state that no cycle will answer.
func (o *Orchestrator) dropPending(ctx context.Context, log *logger.Logger, conversationID string) {
	pending, err := o.state.GetPending(ctx, conversationID)
	if err != nil || pending == nil {
		return
	}
	if _, err := o.state.ClearPending(ctx, conversationID, pending.Revision); err != nil {
		log.Warn("failed to clear pending state", zap.Error(err))
	}
}

// newCustomerMessages returns the chat messages from the customer above the high-water
// mark, in id order. Quote questionnaire answers are not chat input.
func newCustomerMessages(messages []model.Message, handled int64) []model.Message {
	var fresh []model.Message
	for _, m := range messages {
		if m.SenderType == model.SenderCustomer && m.Source != model.SourceQuoteFlow && m.ID > handled {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

// history is the Responder's view of the answered conversation. Human agent turns and
// quote answers are left out, and unanswered customer messages travel as the input instead.
func history(messages []model.Message, handled int64) []model.Message {
	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.SenderType == model.SenderHuman:
		case m.Source == model.SourceQuoteFlow:
		case m.SenderType == model.SenderCustomer && m.ID > handled:
		default:
			out = append(out, m)
		}
	}
	return out
}

// customerInput joins a burst of customer messages, numbering them when there is more than one.
func customerInput(fresh []model.Message) string {
	if len(fresh) == 1 {
		return fresh[0].Content
	}
	lines := make([]string, len(fresh))
	for i, m := range fresh {
		lines[i] = fmt.Sprintf("[%d] %s", i+1, m.Content)
	}
	return strings.Join(lines, "\n")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/slackbridge"
	"github.com/martechdevs/livechat/pkg/logger"
)

// SlackEventHandler processes a verified Events API callback.
type SlackEventHandler interface {
	HandleEvent(ctx context.Context, event slackevents.EventsAPIEvent) error
}

// SlackInteractionHandler processes a verified interactivity callback.
type SlackInteractionHandler interface {
	Handle(ctx context.Context, cb *slack.InteractionCallback) error
}

// slackProcessTimeout bounds the work done after a webhook was acknowledged.
const slackProcessTimeout = 30 * time.Second

// SlackHandler receives Slack webhooks. Requests are verified and acknowledged
// right away; processing continues in the background because Slack retries any
// request not answered within three seconds.
type SlackHandler struct {
	signingSecret string
	events        SlackEventHandler
	interactions  SlackInteractionHandler
	logger        *logger.Logger

	wg sync.WaitGroup
}

// NewSlackHandler creates a new Slack webhook handler.
func NewSlackHandler(signingSecret string, events SlackEventHandler, interactions SlackInteractionHandler, log *logger.Logger) *SlackHandler {
	return &SlackHandler{
		signingSecret: signingSecret,
		events:        events,
		interactions:  interactions,
		logger:        log.Named("slack_webhooks"),
	}
}

// Events handles POST /slack/events
func (h *SlackHandler) Events(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verify(w, r)
	if !ok {
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.logger.Warn("failed to parse slack event", zap.Error(err))
		writeError(w, http.StatusBadRequest, codeInvalidBody, "invalid event payload")
		return
	}

	if event.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, "invalid challenge")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge.Challenge))
		return
	}

	w.WriteHeader(http.StatusOK)
	h.process(r.Context(), "event", func(ctx context.Context) error {
		return h.events.HandleEvent(ctx, event)
	})
}

// Interactions handles POST /slack/interactions
func (h *SlackHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verify(w, r)
	if !ok {
		return
	}

	cb, err := slackbridge.ParseInteraction(body)
	if err != nil {
		h.logger.Warn("failed to parse slack interaction", zap.Error(err))
		writeError(w, http.StatusBadRequest, codeInvalidBody, "invalid interaction payload")
		return
	}

	w.WriteHeader(http.StatusOK)
	h.process(r.Context(), "interaction", func(ctx context.Context) error {
		return h.interactions.Handle(ctx, cb)
	})
}

// Wait blocks until acknowledged webhooks have been processed.
func (h *SlackHandler) Wait() {
	h.wg.Wait()
}

func (h *SlackHandler) verify(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := slackbridge.Verify(r, h.signingSecret)
	switch {
	case errors.Is(err, slackbridge.ErrInvalidSignature):
		h.logger.Warn("rejected slack request", zap.Error(err))
		writeError(w, http.StatusUnauthorized, codeInvalidSignature, "invalid signature")
		return nil, false
	case err != nil:
		writeError(w, http.StatusBadRequest, codeInvalidBody, "invalid request body")
		return nil, false
	}
	return body, true
}

func (h *SlackHandler) process(parent context.Context, kind string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), slackProcessTimeout)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		if err := fn(ctx); err != nil {
			h.logger.Error("failed to process slack webhook", zap.String("kind", kind), zap.Error(err))
		}
	}()
}

// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/middleware"
	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
	"github.com/martechdevs/livechat/pkg/metrics"
)

// ConversationStore is the persistence the widget API uses.
type ConversationStore interface {
	CreateConversation(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	FindOpenConversationByCustomer(ctx context.Context, customerID string) (*model.Conversation, error)
	SetThread(ctx context.Context, id, channelID, threadTS string) error
	CreateEvent(ctx context.Context, evt *model.ConversationEvent) (*model.ConversationEvent, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
}

// ThreadNotifier opens the agent workspace thread for a new conversation.
type ThreadNotifier interface {
	CreateThread(ctx context.Context, conv *model.Conversation) (channelID, threadTS string, err error)
}

// MessageListener is told about every persisted customer message.
type MessageListener interface {
	OnCustomerMessage(ctx context.Context, conversationID string, messageID int64) error
}

// ConversationHandler handles the widget's conversation and message endpoints.
type ConversationHandler struct {
	store    ConversationStore
	notifier ThreadNotifier
	listener MessageListener
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(s ConversationStore, notifier ThreadNotifier, listener MessageListener, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:    s,
		notifier: notifier,
		listener: listener,
		logger:   log.Named("conversations"),
	}
}

// Create handles POST /api/conversations. A visitor with an open conversation gets
// it back (200) instead of a new one (201).
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateCustomerID(req.CustomerID); err != nil {
		writeError(w, http.StatusBadRequest, codeCustomerIDRequired, err.Error())
		return
	}

	existing, err := h.store.FindOpenConversationByCustomer(ctx, req.CustomerID)
	switch {
	case err == nil:
		h.respondWithMessages(w, r, http.StatusOK, existing)
		return
	case !errors.Is(err, store.ErrNotFound):
		h.logger.Error("failed to look up open conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
		return
	}

	conv, err := h.store.CreateConversation(ctx, &req)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to create conversation")
		return
	}
	metrics.ConversationsTotal.Inc()
	log := h.logger.WithConversation(conv.ID)

	// The conversation works without a thread; it just is not mirrored.
	channelID, threadTS, err := h.notifier.CreateThread(ctx, conv)
	if err != nil {
		metrics.NotifierFailuresTotal.WithLabelValues("create_thread").Inc()
		log.Warn("failed to create agent thread", zap.Error(err))
	} else if channelID != "" && threadTS != "" {
		if err := h.store.SetThread(ctx, conv.ID, channelID, threadTS); err != nil {
			log.Error("failed to save agent thread", zap.Error(err))
		} else {
			conv.SlackChannelID, conv.SlackThreadTS = channelID, threadTS
		}
	}

	if _, err := h.store.CreateEvent(ctx, &model.ConversationEvent{
		ConversationID: conv.ID,
		Type:           model.EventTypeCreated,
		Actor:          "customer",
		Metadata:       map[string]any{"customer_id": conv.CustomerID},
	}); err != nil {
		log.Error("failed to record conversation event", zap.Error(err))
	}

	log.Info("conversation created", zap.String("customer_id", conv.CustomerID))
	writeJSON(w, http.StatusCreated, &model.ConversationResponse{Conversation: conv, Messages: []model.Message{}})
}

// Get handles GET /api/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	h.respondWithMessages(w, r, http.StatusOK, conv)
}

func (h *ConversationHandler) respondWithMessages(w http.ResponseWriter, r *http.Request, status int, conv *model.Conversation) {
	messages, err := h.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		h.logger.WithConversation(conv.ID).Error("failed to list messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, status, &model.ConversationResponse{Conversation: conv, Messages: messages})
}

// loadConversation resolves the {id} URL parameter, writing the error response itself.
func (h *ConversationHandler) loadConversation(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	return lookupConversation(w, r, h.store, h.logger)
}

type conversationGetter interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
}

func lookupConversation(w http.ResponseWriter, r *http.Request, s conversationGetter, log *logger.Logger) (*model.Conversation, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusNotFound, codeConversationNotFound, "conversation not found")
		return nil, false
	}

	conv, err := s.GetConversation(r.Context(), id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithConversation(id).Error("failed to load conversation", zap.Error(err))
		}
		writeLookupError(w, err)
		return nil, false
	}
	return conv, true
}

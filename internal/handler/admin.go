package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/lifecycle"
	"github.com/martechdevs/livechat/internal/middleware"
	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
)

// AdminStore is the persistence the operator API reads.
type AdminStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListEvents(ctx context.Context, conversationID string) ([]model.ConversationEvent, error)
}

// OperatorTransitions are the mode changes operators may trigger.
type OperatorTransitions interface {
	ResumeAI(ctx context.Context, conversationID, actor string) (*model.Conversation, error)
	Close(ctx context.Context, conversationID string, agent lifecycle.Agent) (*model.Conversation, error)
}

// AdminHandler serves the JWT-protected operator API.
type AdminHandler struct {
	store       AdminStore
	transitions OperatorTransitions
	logger      *logger.Logger
}

// NewAdminHandler creates a new operator API handler.
func NewAdminHandler(s AdminStore, transitions OperatorTransitions, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		store:       s,
		transitions: transitions,
		logger:      log.Named("admin"),
	}
}

// Resume handles POST /api/v1/admin/conversations/{id}/resume
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	conv, ok := lookupConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}

	actor := "operator:" + middleware.GetOperatorID(r.Context())
	updated, err := h.transitions.ResumeAI(r.Context(), conv.ID, actor)
	if err != nil {
		h.writeTransitionError(w, conv.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Close handles POST /api/v1/admin/conversations/{id}/close
func (h *AdminHandler) Close(w http.ResponseWriter, r *http.Request) {
	conv, ok := lookupConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}

	ctx := r.Context()
	agent := lifecycle.Agent{ID: middleware.GetOperatorID(ctx), Name: middleware.GetOperatorName(ctx)}
	updated, err := h.transitions.Close(ctx, conv.ID, agent)
	if err != nil {
		h.writeTransitionError(w, conv.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Events handles GET /api/v1/admin/conversations/{id}/events
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	conv, ok := lookupConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}

	events, err := h.store.ListEvents(r.Context(), conv.ID)
	if err != nil {
		h.logger.WithConversation(conv.ID).Error("failed to list events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
		return
	}
	if events == nil {
		events = []model.ConversationEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *AdminHandler) writeTransitionError(w http.ResponseWriter, conversationID string, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeConversationNotFound, "conversation not found")
	default:
		h.logger.WithConversation(conversationID).Error("transition failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

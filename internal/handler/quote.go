package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/quote"
	"github.com/martechdevs/livechat/internal/store"
	"github.com/martechdevs/livechat/pkg/logger"
)

// QuoteFlow runs the quote questionnaire.
type QuoteFlow interface {
	Current(ctx context.Context, conversationID string) (*quote.Step, error)
	Answer(ctx context.Context, conversationID, field string, values []string) (*quote.Step, error)
}

// QuoteHandler handles the widget's quote request endpoints.
type QuoteHandler struct {
	store  conversationGetter
	flow   QuoteFlow
	logger *logger.Logger
}

// NewQuoteHandler creates a new quote handler.
func NewQuoteHandler(s conversationGetter, flow QuoteFlow, log *logger.Logger) *QuoteHandler {
	return &QuoteHandler{store: s, flow: flow, logger: log.Named("quote")}
}

// quoteAnswerRequest carries one answer. Multi-select answers use Values.
type quoteAnswerRequest struct {
	Field  string   `json:"field"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Current handles GET /api/conversations/{id}/quote
func (h *QuoteHandler) Current(w http.ResponseWriter, r *http.Request) {
	conv, ok := lookupConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}

	step, err := h.flow.Current(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, conv.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// Answer handles POST /api/conversations/{id}/quote
func (h *QuoteHandler) Answer(w http.ResponseWriter, r *http.Request) {
	var req quoteAnswerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conv, ok := lookupConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}

	values := req.Values
	if req.Value != "" {
		values = append([]string{req.Value}, values...)
	}

	step, err := h.flow.Answer(r.Context(), conv.ID, req.Field, values)
	if err != nil {
		h.writeError(w, conv.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *QuoteHandler) writeError(w http.ResponseWriter, conversationID string, err error) {
	switch {
	case errors.Is(err, quote.ErrInvalidAnswer), errors.Is(err, quote.ErrUnexpectedField):
		writeError(w, http.StatusBadRequest, codeInvalidAnswer, err.Error())
	case errors.Is(err, quote.ErrClosed):
		writeError(w, http.StatusBadRequest, codeConversationClosed, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeConversationNotFound, "conversation not found")
	default:
		h.logger.WithConversation(conversationID).Error("quote flow failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

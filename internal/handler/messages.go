package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/middleware"
	"github.com/martechdevs/livechat/internal/model"
	"github.com/martechdevs/livechat/pkg/metrics"
)

// SendMessage handles POST /api/conversations/{id}/messages
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	if conv.Mode == model.ModeClosed {
		writeError(w, http.StatusBadRequest, codeConversationClosed, "conversation is closed")
		return
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	content, err := middleware.ValidateMessageContent(req.Content)
	switch {
	case errors.Is(err, middleware.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, codeEmptyContent, err.Error())
		return
	case errors.Is(err, middleware.ErrContentTooLong):
		writeError(w, http.StatusBadRequest, codeContentTooLong, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
		return
	}

	ctx := r.Context()
	log := h.logger.WithConversation(conv.ID)

	msg, err := h.store.CreateMessage(ctx, &model.Message{
		ConversationID: conv.ID,
		Content:        content,
		SenderType:     model.SenderCustomer,
		Source:         model.SourceWidget,
	})
	if err != nil {
		log.Error("failed to save message", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to save message")
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(model.SenderCustomer), string(model.SourceWidget)).Inc()

	// The message is stored either way; scheduling must not be cut short by the client going away.
	if err := h.listener.OnCustomerMessage(context.WithoutCancel(ctx), conv.ID, msg.ID); err != nil {
		log.Error("failed to schedule response", zap.Int64("message_id", msg.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, msg)
}

package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/martechdevs/livechat/internal/realtime"
	"github.com/martechdevs/livechat/pkg/logger"
)

// StreamHub serves live widget connections.
type StreamHub interface {
	AddConnection(ctx context.Context, conversationID string, sink realtime.Sink) error
}

// StreamHandler handles the widget's live event streams.
type StreamHandler struct {
	store    conversationGetter
	hub      StreamHub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler. Origin checks for WebSocket
// upgrades are left to the CORS allow-list, as for the SSE endpoint.
func NewStreamHandler(s conversationGetter, hub StreamHub, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		store: s,
		hub:   hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log.Named("stream"),
	}
}

// Stream handles GET /api/conversations/{id}/stream as server-sent events.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conv, ok := lookupConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}

	sink, err := realtime.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	log := h.logger.WithConversation(conv.ID)
	log.Debug("stream opened", zap.String("transport", sink.Transport()))

	err = h.hub.AddConnection(r.Context(), conv.ID, sink)
	log.Debug("stream closed", zap.String("transport", sink.Transport()), zap.Error(err))
}

// WebSocket handles GET /api/conversations/{id}/ws. The socket is send-only.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conv, ok := lookupConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WithConversation(conv.ID).Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sink := realtime.NewWebSocketSink(conn)
	defer sink.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go sink.WatchClose(cancel)

	log := h.logger.WithConversation(conv.ID)
	log.Debug("stream opened", zap.String("transport", sink.Transport()))

	err = h.hub.AddConnection(ctx, conv.ID, sink)
	log.Debug("stream closed", zap.String("transport", sink.Transport()), zap.Error(err))
}

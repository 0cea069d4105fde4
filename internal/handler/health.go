package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionChecker reports whether the NATS connection is up.
type ConnectionChecker interface {
	IsConnected() bool
}

// ConnectionCounter reports live widget connections.
type ConnectionCounter interface {
	TotalConnections() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db    Pinger
	nats  ConnectionChecker
	conns ConnectionCounter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db Pinger, nats ConnectionChecker, conns ConnectionCounter) *HealthHandler {
	return &HealthHandler{
		db:    db,
		nats:  nats,
		conns: conns,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	if h.nats == nil || !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"connections": h.conns.TotalConnections(),
	})
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martechdevs/livechat/internal/middleware"
	"github.com/martechdevs/livechat/pkg/logger"
)

// Handlers groups the endpoint handlers. A nil Slack handler leaves the webhook
// routes unmounted.
type Handlers struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Streams       *StreamHandler
	Quotes        *QuoteHandler
	Admin         *AdminHandler
	Slack         *SlackHandler
}

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter wires every route.
func NewRouter(h Handlers, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	if h.Slack != nil {
		r.Post("/slack/events", h.Slack.Events)
		r.Post("/slack/interactions", h.Slack.Interactions)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.AllowedOrigins))

		// Widget API
		r.Route("/conversations", func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/", h.Conversations.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Conversations.Get)
				r.Post("/messages", h.Conversations.SendMessage)

				r.Get("/stream", h.Streams.Stream)
				r.Get("/ws", h.Streams.WebSocket)

				r.Get("/quote", h.Quotes.Current)
				r.Post("/quote", h.Quotes.Answer)
			})
		})

		// Operator API
		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.OperatorRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Route("/conversations/{id}", func(r chi.Router) {
				r.With(middleware.RequireScope(middleware.ScopeConversationsRead)).Get("/events", h.Admin.Events)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireScope(middleware.ScopeConversationsWrite))
					r.Post("/resume", h.Admin.Resume)
					r.Post("/close", h.Admin.Close)
				})
			})
		})
	})

	return r
}

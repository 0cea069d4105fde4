// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// AICyclesTotal counts ProcessAIResponse runs by outcome.
	AICyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_ai_cycles_total",
			Help: "AI response cycles by outcome",
		},
		[]string{"outcome"},
	)

	// ResponderDuration tracks Responder call latency.
	ResponderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_responder_duration_seconds",
			Help:    "Responder call duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
		[]string{"status"},
	)

	// JobAttemptsTotal counts job executions by result.
	JobAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_job_attempts_total",
			Help: "AI job executions by result",
		},
		[]string{"result"},
	)

	// JobsExhaustedTotal counts jobs dropped after the final retry.
	JobsExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_jobs_exhausted_total",
			Help: "AI jobs that ran out of retries",
		},
	)

	// StreamConnectionsActive tracks live widget connections held by this process.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livechat_stream_connections_active",
			Help: "Number of active widget stream connections",
		},
		[]string{"transport"},
	)

	// HubDeliveriesTotal counts fan-out deliveries to local sinks.
	HubDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_hub_deliveries_total",
			Help: "Realtime events delivered to local sinks",
		},
		[]string{"result"},
	)

	// NotifierFailuresTotal counts swallowed Slack failures.
	NotifierFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_notifier_failures_total",
			Help: "Best-effort Slack calls that failed",
		},
		[]string{"operation"},
	)

	// MessagesTotal tracks total persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_total",
			Help: "Total messages persisted",
		},
		[]string{"sender_type", "source"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_conversations_total",
			Help: "Total conversations created",
		},
	)

	// ModeTransitionsTotal counts state machine transitions.
	ModeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_mode_transitions_total",
			Help: "Conversation mode transitions",
		},
		[]string{"to"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordResponder records a Responder call.
func RecordResponder(status string, duration float64) {
	ResponderDuration.WithLabelValues(status).Observe(duration)
}

// IncrementStreamConnections increments the active connection count.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}

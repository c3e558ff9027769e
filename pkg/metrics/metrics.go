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
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
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

	// LLMAttemptsTotal tracks upstream attempts by classified outcome.
	LLMAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_attempts_total",
			Help: "Upstream generation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LLMDispatchTotal tracks dispatch results.
	LLMDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_dispatch_total",
			Help: "Dispatch cycles by result",
		},
		[]string{"result"},
	)

	// LLMStreamDuration tracks streamed response duration by terminal state.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "state"},
	)

	// LLMStreamBytes tracks accumulated response text.
	LLMStreamBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_stream_bytes_total",
			Help: "Bytes of response text accumulated from upstream streams",
		},
		[]string{"model"},
	)

	// MalformedEventsTotal tracks skipped upstream stream events.
	MalformedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_stream_malformed_events_total",
			Help: "Upstream stream events that could not be parsed",
		},
	)

	// CredentialOutcomesTotal tracks outcomes reported to the credential pool.
	CredentialOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_outcomes_total",
			Help: "Outcomes reported against pooled credentials",
		},
		[]string{"outcome"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConversationsTotal tracks conversations created lazily on first message.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks persisted turns.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total turns persisted",
		},
		[]string{"role"},
	)

	// PersistFailuresTotal tracks durable-write failures after generation.
	PersistFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_failures_total",
			Help: "Durable writes that failed after generation",
		},
		[]string{"op"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for a finished upstream stream.
func RecordLLMStream(model, state string, duration float64, textBytes int) {
	LLMStreamDuration.WithLabelValues(model, state).Observe(duration)
	LLMStreamBytes.WithLabelValues(model).Add(float64(textBytes))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

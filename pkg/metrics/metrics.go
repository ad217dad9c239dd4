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

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks send attempts by message kind and outcome.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total message send attempts",
		},
		[]string{"kind", "outcome"},
	)

	// StatusTransitions tracks delivery status transitions.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_status_transitions_total",
			Help: "Message delivery status transitions",
		},
		[]string{"from", "to"},
	)

	// UploadAttempts tracks voice upload attempts by outcome.
	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_attempts_total",
			Help: "Voice upload attempts",
		},
		[]string{"outcome"},
	)

	// UploadDuration tracks voice upload duration.
	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upload_duration_seconds",
			Help:    "Voice upload duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	// PlaybackCache tracks playback cache lookups.
	PlaybackCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playback_cache_lookups_total",
			Help: "Playback cache lookups by result",
		},
		[]string{"result"},
	)

	// ReceiptListenersActive tracks live delivery receipt subscriptions.
	ReceiptListenersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "receipt_listeners_active",
			Help: "Number of active delivery receipt listeners",
		},
	)

	// AudioModeSwitches tracks audio session reconfigurations.
	AudioModeSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audio_mode_switches_total",
			Help: "Audio session mode switches",
		},
		[]string{"mode"},
	)

	// RecordingsTotal tracks finished recordings by outcome.
	RecordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordings_total",
			Help: "Voice recordings by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordUpload records metrics for a voice upload attempt.
func RecordUpload(outcome string, duration float64) {
	UploadAttempts.WithLabelValues(outcome).Inc()
	UploadDuration.WithLabelValues(outcome).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts sessions created through initialize
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_sessions_started_total",
			Help: "Total number of sessions initialized",
		},
	)

	// SessionsTerminated counts sessions ended by request or sweep
	SessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_sessions_terminated_total",
			Help: "Total number of sessions terminated",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks sessions currently held in memory
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_active_sessions",
			Help: "Number of sessions currently active",
		},
	)

	// RequestsTotal counts dispatched JSON-RPC requests by method
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_requests_total",
			Help: "Total number of JSON-RPC requests dispatched",
		},
		[]string{"method", "status"},
	)

	// RequestDuration tracks JSON-RPC request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// NotificationsTotal counts notifications sent to clients
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_notifications_total",
			Help: "Total number of notifications delivered to clients",
		},
		[]string{"method"},
	)

	// EventsAppended counts events recorded to session logs
	EventsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_events_appended_total",
			Help: "Total number of events appended to session logs",
		},
	)

	// OpenChannels tracks server-to-client streams currently attached
	OpenChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_open_channels",
			Help: "Number of streaming channels currently attached",
		},
	)

	// ChannelResumes counts channel attachments that replayed history
	ChannelResumes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_channel_resumes_total",
			Help: "Total number of channels resumed from a prior event id",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart() {
	SessionsStarted.Inc()
	ActiveSessions.Inc()
}

// RecordSessionEnd decrements the active session gauge
func RecordSessionEnd(reason string) {
	SessionsTerminated.WithLabelValues(reason).Inc()
	ActiveSessions.Dec()
}

// RecordRequest records a dispatched JSON-RPC request outcome
func RecordRequest(method, status string, durationSeconds float64) {
	RequestsTotal.WithLabelValues(method, status).Inc()
	RequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordNotification records a notification delivered to a client
func RecordNotification(method string) {
	NotificationsTotal.WithLabelValues(method).Inc()
}

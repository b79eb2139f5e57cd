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

	// QueryDuration tracks backend page and search query duration.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_query_duration_seconds",
			Help:    "Backend query duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"query", "status"},
	)

	// PageCacheTotal tracks page store lookups.
	PageCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_page_cache_total",
			Help: "Page store lookups by result",
		},
		[]string{"result"},
	)

	// StaleResponsesTotal tracks page fetches discarded because a newer spec
	// superseded them.
	StaleResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_stale_responses_total",
			Help: "Page fetch results discarded as stale",
		},
	)

	// EventsTotal tracks live feed events by kind and outcome.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_events_total",
			Help: "Live feed events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// MutationsTotal tracks gateway commands by operation and outcome.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_mutations_total",
			Help: "Mutation gateway commands by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// RollbacksTotal tracks optimistic changes reverted per conversation.
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_rollbacks_total",
			Help: "Optimistic changes rolled back",
		},
		[]string{"op"},
	)

	// FeedTransitionsTotal tracks live feed connection transitions.
	FeedTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_feed_transitions_total",
			Help: "Live feed connection state transitions",
		},
		[]string{"state"},
	)

	// ErrorsDroppedTotal tracks error notifications dropped on a full channel.
	ErrorsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_errors_dropped_total",
			Help: "Error notifications dropped because no one was reading",
		},
	)

	// SessionsActive tracks live inbox engines.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_sessions_active",
			Help: "Number of active inbox sessions",
		},
	)

	// IngressTotal tracks inbound channel traffic.
	IngressTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_ingress_total",
			Help: "Inbound conversations and messages reported by channel adapters",
		},
		[]string{"kind", "source"},
	)

	// LiveConnectionsActive tracks open websocket live views.
	LiveConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_live_connections_active",
			Help: "Number of open live view connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordQuery records a backend query.
func RecordQuery(query string, err error, duration float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	QueryDuration.WithLabelValues(query, status).Observe(duration)
}

// RecordEvent records the outcome of applying one feed event.
func RecordEvent(kind, outcome string) {
	EventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordMutation records a gateway command and the number of rolled back
// conversations.
func RecordMutation(op string, err error, rolledBack int) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	MutationsTotal.WithLabelValues(op, outcome).Inc()
	if rolledBack > 0 {
		RollbacksTotal.WithLabelValues(op).Add(float64(rolledBack))
	}
}

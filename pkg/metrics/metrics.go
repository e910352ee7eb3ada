// Package metrics provides Prometheus metrics for the bulk transfer engine.
// Collectors cover the three long-running surfaces: throttled remote calls,
// bulk job polling, and record application.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RetryDecisions counts retry decisions by operation.
	RetryDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_retry_decisions_total",
		Help: "Retry decisions taken by the throttle, by operation",
	}, []string{"operation"})

	// PollTransitions counts observed bulk job status transitions.
	PollTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_poll_transitions_total",
		Help: "Bulk job status transitions observed by the poller",
	}, []string{"status"})

	// ParseFailures counts malformed stream lines skipped during download.
	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_parse_failures_total",
		Help: "Malformed stream lines skipped, by stream",
	}, []string{"stream"})

	// RecordsApplied counts per-record apply outcomes.
	RecordsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_records_applied_total",
		Help: "Apply protocol outcomes, by resource kind and outcome",
	}, []string{"kind", "outcome"})

	// RemoteCallDuration tracks remote call latency by operation.
	RemoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storesync_remote_call_duration_seconds",
		Help:    "Remote call latency, by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Handler returns the HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

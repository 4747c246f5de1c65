// Package metrics exposes Prometheus instruments for the orchestration engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "issueflow"

var (
	// QuotaRemaining is the governor's latest view of the remote call budget.
	QuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "quota_remaining",
			Help:      "Remaining remote API calls as last observed",
		},
	)

	// RemoteCalls counts calls that went through the governor.
	// Labels: kind (read, mutation), result (ok, error)
	RemoteCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "remote_calls_total",
			Help:      "Remote API calls issued through the governor",
		},
		[]string{"kind", "result"},
	)

	// Refusals counts operations the governor refused because quota was low.
	Refusals = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "refusals_total",
			Help:      "Operations refused because remaining quota was below the floor",
		},
	)

	// Transitions counts state machine transitions.
	// Labels: to, result (ok, noop, invalid, mismatch, unverified, remote_error)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Status transitions attempted, by target and result",
		},
		[]string{"to", "result"},
	)

	// TaskOutcomes counts per-task results of coordinator runs.
	// Labels: outcome (completed, failed, skipped, deferred, invalid)
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "task_outcomes_total",
			Help:      "Tasks processed by the coordinator, by outcome",
		},
		[]string{"outcome"},
	)

	// WorkerDuration tracks how long worker executions take.
	WorkerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "worker_duration_seconds",
			Help:      "Duration of worker executions in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
		},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

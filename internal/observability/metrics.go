// Package observability provides Prometheus metrics for the relay
// coordinator: run lifecycle counts, event delivery, and persistence
// health.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized metric set. Register one per process
// (or per test, with an isolated registry).
type Metrics struct {
	// RunsSubmitted counts chat.send submissions by dedup outcome.
	// Labels: status (started|in_flight|ok|aborted|error)
	RunsSubmitted *prometheus.CounterVec

	// RunsFinalized counts terminal transitions.
	// Labels: status (ok|aborted|error)
	RunsFinalized *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Labels: status
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is a gauge of currently executing runs.
	ActiveRuns prometheus.Gauge

	// EventsPublished counts events delivered by state.
	// Labels: state (delta|final|aborted)
	EventsPublished *prometheus.CounterVec

	// EventsSuppressed counts events dropped by abort/terminal suppression.
	EventsSuppressed prometheus.Counter

	// EventsDropped counts events lost to full subscriber buffers.
	EventsDropped prometheus.Counter

	// PersistFailures counts session store write failures.
	PersistFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given
// registerer. The server hands each instance its own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_runs_submitted_total",
				Help: "Total chat.send submissions by dedup outcome",
			},
			[]string{"status"},
		),
		RunsFinalized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_runs_finalized_total",
				Help: "Total runs reaching a terminal state",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_run_duration_seconds",
				Help:    "Run wall time from submit to terminal state",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_runs",
				Help: "Number of runs currently executing",
			},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_published_total",
				Help: "Total chat events delivered to listeners",
			},
			[]string{"state"},
		),
		EventsSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_events_suppressed_total",
				Help: "Total events dropped by abort or terminal suppression",
			},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_events_dropped_total",
				Help: "Total events lost to full subscriber buffers",
			},
		),
		PersistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_session_persist_failures_total",
				Help: "Total session store write failures",
			},
		),
	}
}

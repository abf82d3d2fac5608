// Package metrics exposes prometheus instrumentation for the scribed
// pipeline. Metrics are registered once via promauto and recorded through
// small helpers so call sites stay terse.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsTotal counts processed segments by component and status.
	// Labels: component (extract/diarize/transcribe/merge), status
	// (success/error).
	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribed_segments_total",
			Help: "Total number of audio segments processed by component",
		},
		[]string{"component", "status"},
	)

	// ErrorsTotal counts pipeline errors by component and error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribed_errors_total",
			Help: "Total number of pipeline errors by component and error kind",
		},
		[]string{"component", "error_kind"},
	)

	// JobsTotal counts jobs reaching a terminal state.
	// Labels: outcome (completed/completed_degraded/failed).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribed_jobs_total",
			Help: "Total number of jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks jobs waiting for a worker slot.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribed_queue_depth",
			Help: "Number of jobs waiting in the scheduler queue",
		},
	)

	// ActiveJobs tracks jobs currently owned by a worker.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribed_active_jobs",
			Help: "Number of jobs currently being processed",
		},
	)

	// ProcessingDuration observes per-component processing time in seconds.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribed_processing_duration_seconds",
			Help:    "Processing duration in seconds by component",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"component"},
	)
)

// RecordSegment records a finished segment-level step.
func RecordSegment(component string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	SegmentsTotal.WithLabelValues(component, status).Inc()
}

// RecordError records a pipeline error.
func RecordError(component, errorKind string) {
	ErrorsTotal.WithLabelValues(component, errorKind).Inc()
}

// RecordJobOutcome records a job reaching a terminal state.
func RecordJobOutcome(outcome string) {
	JobsTotal.WithLabelValues(outcome).Inc()
}

// RecordDuration observes processing time for a component.
func RecordDuration(component string, seconds float64) {
	ProcessingDuration.WithLabelValues(component).Observe(seconds)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Using promauto for automatic registration with the default registry.
var (
	// --- Run lifecycle ---

	// RunsQueued counts runs accepted for execution.
	RunsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "emberci",
			Subsystem: "runs",
			Name:      "queued_total",
			Help:      "Total number of runs enqueued",
		},
	)

	// RunsCompleted counts terminal runs by result.
	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emberci",
			Subsystem: "runs",
			Name:      "completed_total",
			Help:      "Total number of completed runs by result",
		},
		[]string{"result"},
	)

	// RunDuration tracks run wall-clock duration from start to finish.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emberci",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"job", "result"},
	)

	// RunsActive tracks runs currently holding an executor slot.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "emberci",
			Subsystem: "runs",
			Name:      "active",
			Help:      "Number of runs currently executing",
		},
	)

	// RunsPending tracks runs waiting for a free executor.
	RunsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "emberci",
			Subsystem: "runs",
			Name:      "pending",
			Help:      "Number of runs waiting for an executor slot",
		},
	)

	// --- Scripts ---

	// ScriptsLaunched counts script processes spawned.
	ScriptsLaunched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "emberci",
			Subsystem: "scripts",
			Name:      "launched_total",
			Help:      "Total number of script processes launched",
		},
	)

	// --- Triggers ---

	// TriggersReceived counts trigger requests by source.
	TriggersReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emberci",
			Subsystem: "triggers",
			Name:      "received_total",
			Help:      "Total number of trigger requests by source",
		},
		[]string{"source"},
	)

	// AbortsRequested counts external abort requests.
	AbortsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "emberci",
			Subsystem: "runs",
			Name:      "aborts_total",
			Help:      "Total number of abort requests",
		},
	)

	// --- HTTP ---

	// HTTPRequests counts API requests by method, path and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emberci",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration tracks API request latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emberci",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordCompletion records metrics for a run that reached a terminal
// state.
func RecordCompletion(job, result string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(result).Inc()
	RunDuration.WithLabelValues(job, result).Observe(durationSeconds)
}

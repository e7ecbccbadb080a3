// Package metrics implements the engine's Prometheus instrumentation
// (§11): task-count gauges, stage-latency histograms, and rotation-attempt
// counters, registered via promauto the way the pack's own metrics
// packages do.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksByStatus tracks the current count of tasks in each status
	// bucket, refreshed from Manager.Stats on each /api/stats scrape.
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_tasks_by_status",
			Help: "Current number of tasks in each status.",
		},
		[]string{"status"},
	)

	// ActiveSubscribers tracks the total number of connected SSE sessions
	// across all tasks.
	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_active_subscribers",
			Help: "Current number of connected SSE subscribers across all tasks.",
		},
	)

	// MemoryPressureLevel mirrors app.PressureLevel as a gauge (0=normal
	// .. 3=critical).
	MemoryPressureLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_memory_pressure_level",
			Help: "Current memory pressure level (0=normal, 1=elevated, 2=high, 3=critical).",
		},
	)

	// StageLatencySeconds measures wall-clock duration of each pipeline
	// stage, labeled by stage name and outcome.
	StageLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_stage_latency_seconds",
			Help:    "Latency of pipeline stage execution in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~205s
		},
		[]string{"stage", "outcome"},
	)

	// RotationAttemptsTotal counts model/key rotation attempts, labeled by
	// stage and whether the attempt succeeded.
	RotationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_rotation_attempts_total",
			Help: "Total number of model/key rotation attempts.",
		},
		[]string{"stage", "outcome"},
	)

	// RotationExhaustedTotal counts rotation pools that were fully
	// exhausted without a successful attempt, labeled by stage.
	RotationExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_rotation_exhausted_total",
			Help: "Total number of times a rotation pool was exhausted without success.",
		},
		[]string{"stage"},
	)

	// SSESessionsTotal counts SSE sessions opened, labeled by the
	// multiplexer mode they resolved to (cache-hit, attach-running,
	// spawn-new).
	SSESessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sse_sessions_total",
			Help: "Total number of SSE sessions opened, by multiplexer mode.",
		},
		[]string{"mode"},
	)

	// NotificationsSentTotal counts best-effort notifications dispatched
	// through the notification sink.
	NotificationsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_notifications_sent_total",
			Help: "Total number of notifications dispatched via the notification sink.",
		},
	)
)

// Outcome labels shared across stage and rotation metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

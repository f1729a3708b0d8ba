// Package metrics exposes Prometheus instruments for the orchestration
// core. Instruments register with the default registry at init and are
// served by the API server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roundtable"

var (
	// TasksScheduled counts schedule requests by disposition
	// (queued, deduped).
	TasksScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "schedule_requests_total",
			Help:      "Schedule requests by disposition",
		},
		[]string{"disposition"},
	)

	// TasksCompleted counts tasks reaching a terminal outcome.
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_completed_total",
			Help:      "Persona tasks by terminal outcome",
		},
		[]string{"persona", "outcome"},
	)

	// TasksRunning is the number of tasks holding an execution slot.
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_running",
			Help:      "Tasks currently executing",
		},
	)

	// TasksQueued is the number of tasks waiting for a slot.
	TasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_queued",
			Help:      "Tasks waiting for an execution slot",
		},
	)

	// TaskDuration observes wall time from admission to completion.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Persona task duration from admission to completion",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"persona"},
	)

	// CompletionRequests counts completion exchanges by classified outcome.
	CompletionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Completion exchanges by outcome",
		},
		[]string{"model", "outcome"},
	)

	// CompletionTokens counts tokens by direction.
	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction (input, output)",
		},
		[]string{"model", "direction"},
	)

	// Retries counts retry budget consumption by cause.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "retries_total",
			Help:      "Retried exchanges by cause",
		},
		[]string{"cause"},
	)

	// ToolCalls counts tool executions by tool and status.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool executions",
		},
		[]string{"tool_name", "status"},
	)

	// ToolDuration observes tool execution time.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool_name"},
	)

	// Compressions counts memory compression runs by result
	// (committed, skipped, failed, busy).
	Compressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "compressions_total",
			Help:      "Memory compression runs by result",
		},
		[]string{"result"},
	)

	// Uploads counts attachment uploads by status.
	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "uploads_total",
			Help:      "Attachment uploads by status",
		},
		[]string{"status"},
	)

	// ExpiredAttachments counts handles replaced by placeholders.
	ExpiredAttachments = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "expired_attachments_total",
			Help:      "Attachment handles withheld because they expired",
		},
	)

	// EventsDropped counts bus events a full subscriber never received.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
	)
)

// Status returns the label used for success/error counters.
func Status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

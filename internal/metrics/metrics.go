// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts API requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TasksSubmitted counts accepted submissions by task type.
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_submitted_total",
			Help: "Total number of tasks accepted into the backlog.",
		},
		[]string{"type"},
	)

	// TasksFinished counts terminal transitions by type and final status.
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_finished_total",
			Help: "Total number of tasks that reached done, error or timeout.",
		},
		[]string{"type", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Time from start to terminal status.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	BacklogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_backlog_size",
		Help: "Number of NEW tasks waiting at the head of the queue.",
	})

	TasksProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_tasks_processing",
		Help: "Number of tasks currently in flight.",
	})

	// BridgesReady is 1 for a bridge that passed self-test, 0 otherwise.
	BridgesReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_bridge_ready",
			Help: "Whether a bridge passed its self-test.",
		},
		[]string{"bridge_id", "year"},
	)

	// BridgeResets counts forced aborts by outcome.
	BridgeResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_bridge_resets_total",
			Help: "Total number of forced bridge resets after a timeout.",
		},
		[]string{"bridge_id", "result"},
	)

	// BridgeExecutions counts tasks run by a bridge node.
	BridgeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_executions_total",
			Help: "Total number of tasks executed by this bridge node.",
		},
		[]string{"bridge_id", "type", "status"},
	)

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_events_dropped_total",
		Help: "Lifecycle events dropped because a subscriber was too slow.",
	})
)

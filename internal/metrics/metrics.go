// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksDispatched counts assignments published to workers.
	TasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testrig_tasks_dispatched_total",
		Help: "Tasks bound to a worker and published to the broker.",
	})

	// TasksCompleted counts task results by terminal status.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testrig_tasks_completed_total",
		Help: "Task results applied, labelled by terminal status.",
	}, []string{"status"})

	// DispatchSkips counts pending tasks passed over in a dispatch round.
	DispatchSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testrig_dispatch_skips_total",
		Help: "Pending tasks skipped during dispatch, labelled by reason.",
	}, []string{"reason"})

	// ExecutionsStopped counts user-initiated stops.
	ExecutionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testrig_executions_stopped_total",
		Help: "Executions stopped by user request.",
	})

	// WorkersOnline tracks workers inside the liveness window.
	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testrig_workers_online",
		Help: "Workers with a heartbeat inside the liveness window.",
	})

	// PublishFailures counts broker publish errors that rolled a bind back.
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testrig_publish_failures_total",
		Help: "Broker publish failures that rolled an assignment back.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }

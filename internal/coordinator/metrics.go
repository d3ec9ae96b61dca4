package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/forge/internal/model"
)

var (
	tasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_tasks_submitted_total",
			Help: "Total number of tasks accepted by the coordinator.",
		},
	)

	tasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_tasks_dispatched_total",
			Help: "Total number of tasks handed to a worker, by backend kind.",
		},
		[]string{"backend_kind"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_tasks_finished_total",
			Help: "Total number of finished executions, by final status.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_task_duration_seconds",
			Help:    "Wall-clock duration of task executions.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"status"},
	)

	runningExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_running_executions",
			Help: "Number of executions currently in flight.",
		},
	)

	queueTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_queue_tasks",
			Help: "Number of task records held in memory, by status.",
		},
		[]string{"status"},
	)

	registeredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_registered_workers",
			Help: "Number of registered workers.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(tasksDispatched)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(runningExecutions)
	prometheus.MustRegister(queueTasks)
	prometheus.MustRegister(registeredWorkers)

	for _, s := range []string{model.StatusCompleted, model.StatusFailed, model.StatusTimeout} {
		tasksFinished.WithLabelValues(s)
	}
}

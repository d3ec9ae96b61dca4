package native

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for process outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
)

var (
	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_native_active_processes",
			Help: "Number of task processes currently running on this host.",
		},
	)

	processesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_native_processes_total",
			Help: "Total number of task processes run by the native backend.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeProcesses)
	prometheus.MustRegister(processesTotal)

	for _, o := range []string{outcomeSuccess, outcomeFailed, outcomeTimeout} {
		processesTotal.WithLabelValues(o)
	}
}

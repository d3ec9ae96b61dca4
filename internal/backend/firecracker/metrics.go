package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
	outcomeError   = "error"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	guestRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_firecracker_guest_run_seconds",
			Help:    "Time from sending a task to the guest agent to its final result, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_firecracker_tasks_total",
			Help: "Total number of tasks run by the Firecracker backend.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(guestRunDuration)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(tasksTotal)

	for _, o := range []string{outcomeSuccess, outcomeFailed, outcomeTimeout, outcomeError} {
		tasksTotal.WithLabelValues(o)
	}
}

package docker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for container outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
	outcomeError   = "error"
)

var (
	activeContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_docker_active_containers",
			Help: "Number of task containers currently running.",
		},
	)

	containersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_docker_containers_total",
			Help: "Total number of task containers run by the container backend.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeContainers)
	prometheus.MustRegister(containersTotal)

	for _, o := range []string{outcomeSuccess, outcomeFailed, outcomeTimeout, outcomeError} {
		containersTotal.WithLabelValues(o)
	}
}

package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	logLinesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forge_log_lines_dropped_total",
		Help: "Output lines not delivered to a slow log subscriber.",
	})

	logSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forge_log_subscribers",
		Help: "Open log stream subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(logLinesDropped, logSubscribers)
}

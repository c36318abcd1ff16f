package companion

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "companion",
		Name:      "relay_queue_depth",
		Help:      "Completed sessions waiting to be acknowledged by the primary device.",
	})

	sessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "companion",
		Name:      "sessions_started_total",
		Help:      "Sessions started on the companion device, labeled by discipline.",
	}, []string{"discipline"})

	sessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "companion",
		Name:      "sessions_completed_total",
		Help:      "Sessions completed and queued for relay, labeled by discipline.",
	}, []string{"discipline"})
)

func init() {
	prometheus.MustRegister(queueDepth, sessionsStarted, sessionsCompleted)
}

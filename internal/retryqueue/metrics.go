package retryqueue

import "github.com/prometheus/client_golang/prometheus"

var (
	depthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "retryqueue",
		Name:      "depth",
		Help:      "Number of entries waiting in the retry queue.",
	})

	syncedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "retryqueue",
		Name:      "entries_synced_total",
		Help:      "Entries removed from the queue after confirmed delivery.",
	})

	failedAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "retryqueue",
		Name:      "attempts_failed_total",
		Help:      "Delivery attempts recorded as failed.",
	})

	droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "retryqueue",
		Name:      "entries_dropped_total",
		Help:      "Entries dropped after exhausting their attempts.",
	})

	decodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "retryqueue",
		Name:      "decode_failures_total",
		Help:      "Persisted entries discarded because they could not be decoded.",
	})

	saveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "retryqueue",
		Name:      "save_failures_total",
		Help:      "Queue rewrites that failed; the in-memory queue kept its prior state.",
	})
)

func init() {
	prometheus.MustRegister(depthGauge, syncedCounter, failedAttempts, droppedCounter, decodeFailures, saveFailures)
}

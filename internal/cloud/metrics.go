package cloud

import "github.com/prometheus/client_golang/prometheus"

var (
	pushOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "cloud",
		Name:      "record_pushes_total",
		Help:      "Record pushes handled by the cloud store, by outcome.",
	}, []string{"outcome"})

	clientRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ridesync",
		Subsystem: "cloud",
		Name:      "client_request_seconds",
		Help:      "Latency of cloud API calls made by devices.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "outcome"})
)

func init() {
	prometheus.MustRegister(pushOutcomes, clientRequests)
}

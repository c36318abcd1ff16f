package syncengine

import "github.com/prometheus/client_golang/prometheus"

var (
	pushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "syncengine",
		Name:      "pushes_total",
		Help:      "Entity pushes to the cloud, labeled by outcome.",
	}, []string{"outcome"})

	pulledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "syncengine",
		Name:      "pulled_records_total",
		Help:      "Records read from the cloud changes feed, labeled by how they were applied.",
	}, []string{"outcome"})

	pushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridesync",
		Subsystem: "syncengine",
		Name:      "push_pass_duration_seconds",
		Help:      "Time spent pushing pending entities in one pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	entitiesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "syncengine",
		Name:      "entities",
		Help:      "Local entities waiting on the cloud, by sync status.",
	}, []string{"status"})

	resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "syncengine",
		Name:      "conflict_resolutions_total",
		Help:      "Conflicts resolved manually, labeled by the side kept.",
	}, []string{"choice"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "syncengine",
		Name:      "rejected_pushes_total",
		Help:      "Pushes the cloud refused permanently, labeled by record type.",
	}, []string{"type"})

	sharesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "syncengine",
		Name:      "shares_expired_total",
		Help:      "Shares revoked because they passed their expiry.",
	})
)

func init() {
	prometheus.MustRegister(pushesTotal, pulledTotal, pushDuration, entitiesByStatus, resolutions, rejectedTotal, sharesExpired)
}

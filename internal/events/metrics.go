package events

import "github.com/prometheus/client_golang/prometheus"

var publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ridesync",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Outbound events by topic and outcome.",
}, []string{"topic", "outcome"})

func init() {
	prometheus.MustRegister(publishedTotal)
}

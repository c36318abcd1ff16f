package notify

import "github.com/prometheus/client_golang/prometheus"

var alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ridesync",
	Subsystem: "notify",
	Name:      "alerts_total",
	Help:      "Alert decisions per relationship, labeled by alert type and outcome.",
}, []string{"alert", "outcome"})

func init() {
	prometheus.MustRegister(alertsTotal)
}

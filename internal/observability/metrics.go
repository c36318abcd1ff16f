// Package observability exposes process-wide watermark gauges.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Name:      "build_info",
		Help:      "Constant 1, labeled by binary and version.",
	}, []string{"binary", "version"})
	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "sync",
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed cloud sync cycle.",
	})
	lastRelayGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "last_session_relayed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent session acknowledged by the primary device.",
	})
)

func init() {
	prometheus.MustRegister(buildInfo, lastSyncGauge, lastRelayGauge)
}

// RecordBuild marks the running binary.
func RecordBuild(binary, version string) {
	buildInfo.WithLabelValues(binary, version).Set(1)
}

// RecordSyncCycle updates the sync watermark gauge.
func RecordSyncCycle(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncGauge.Set(float64(ts.Unix()))
}

// RecordSessionRelayed updates the relay watermark gauge.
func RecordSessionRelayed(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastRelayGauge.Set(float64(ts.Unix()))
}

package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Synchronous relay requests, labeled by message type and outcome.",
	}, []string{"type", "outcome"})

	contextUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "context_updates_total",
		Help:      "Messages handed to the last-state-wins background channel.",
	})

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "messages_received_total",
		Help:      "Inbound relay messages decoded, labeled by message type.",
	}, []string{"type"})

	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames or messages discarded because they could not be decoded.",
	})

	reachabilityGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "peer_reachable",
		Help:      "1 while the peer device is connected.",
	})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "flush_duration_seconds",
		Help:      "Time spent relaying queued sessions in one flush pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	sessionsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "sessions_total",
		Help:      "Queued session relay attempts, labeled by outcome.",
	}, []string{"outcome"})

	commandsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "commands_queued",
		Help:      "Control commands waiting in the outbox for the peer's ack.",
	})

	commandsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "commands_total",
		Help:      "Outbox delivery attempts, labeled by outcome.",
	}, []string{"outcome"})

	duplicateCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "relay",
		Name:      "duplicate_commands_total",
		Help:      "Redelivered commands acknowledged without being applied again.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, contextUpdates, messagesReceived, framesDropped, reachabilityGauge, flushDuration, sessionsRelayed,
		commandsQueued, commandsRelayed, duplicateCommands)
}

package sharing

import "github.com/prometheus/client_golang/prometheus"

var (
	invitesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "sharing",
		Name:      "invites_sent_total",
		Help:      "Invites sent or resent.",
	})
	invitesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "sharing",
		Name:      "invites_accepted_total",
		Help:      "Invites accepted by the external party.",
	})
	sharesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "sharing",
		Name:      "shares_created_total",
		Help:      "Cloud shares created for relationships.",
	})
	sharesRevoked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "sharing",
		Name:      "shares_revoked_total",
		Help:      "Share revocations by outcome.",
	}, []string{"outcome"})
	shareRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "sharing",
		Name:      "share_requests_total",
		Help:      "Inbound share requests by action.",
	}, []string{"action"})
	presetReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesync",
		Subsystem: "sharing",
		Name:      "preset_reloads_total",
		Help:      "Custom preset file reloads by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(invitesSent, invitesAccepted, sharesCreated, sharesRevoked, shareRequests, presetReloads)
}

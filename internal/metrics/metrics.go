// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "packhowl_connected_peers",
		Help: "Number of currently registered peer sessions.",
	})

	BlockedIPs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "packhowl_blocked_ips",
		Help: "Number of source IPs currently on the temporary blocklist.",
	})

	AuthDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packhowl_auth_denied_total",
		Help: "Connections refused by the access authenticator.",
	}, []string{"reason"})

	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packhowl_messages_relayed_total",
		Help: "Messages fanned out to peers, by wire type.",
	}, []string{"type"})

	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packhowl_userlist_broadcasts_total",
		Help: "Presence snapshot broadcasts issued.",
	})

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packhowl_protocol_violations_total",
		Help: "Connections dropped for oversized or malformed messages.",
	})

	SendQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packhowl_send_queue_drops_total",
		Help: "Outbound messages skipped because a peer send queue was full.",
	})
)

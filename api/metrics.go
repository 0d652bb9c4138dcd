package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_sessions",
		Help:      "Number of collaboration sessions currently held in the registry.",
	})

	metricActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_connections",
		Help:      "Number of WebSocket connections currently registered in a session.",
	})

	metricMessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "messages_relayed_total",
		Help:      "Messages accepted by the router and broadcast to session participants.",
	}, []string{"type"})

	metricMessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "messages_rejected_total",
		Help:      "Inbound messages rejected before broadcast.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		metricActiveSessions,
		metricActiveConnections,
		metricMessagesRelayed,
		metricMessagesRejected,
	)
}

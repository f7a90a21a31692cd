package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients is the number of open websocket connections.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_realtime_connected_clients",
			Help: "Number of connected realtime clients",
		},
	)

	// CollectionSubscriptions is the number of live collection room memberships.
	CollectionSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_realtime_collection_subscriptions",
			Help: "Number of collection room memberships across all clients",
		},
	)

	// Broadcasts counts fan-out events by room scope (app, collection).
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_realtime_broadcasts_total",
			Help: "Total number of fan-out events broadcast, by room scope",
		},
		[]string{"scope"},
	)

	// FramesSent counts frames queued to clients, by event name.
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_realtime_frames_sent_total",
			Help: "Total number of frames queued to clients",
		},
		[]string{"event"},
	)

	// DroppedClients counts connections dropped because their send queue was full.
	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_realtime_dropped_clients_total",
			Help: "Total number of clients dropped for falling behind",
		},
	)

	// IngressRequests counts cross-service pushes by outcome.
	IngressRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_realtime_ingress_requests_total",
			Help: "Total number of internal ingress requests",
		},
		[]string{"outcome"},
	)
)

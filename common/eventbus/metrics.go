package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_eventbus_published_total",
			Help: "Total number of events accepted by the broker",
		},
		[]string{"event_type"},
	)

	publishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_eventbus_publish_failures_total",
			Help: "Total number of events the broker did not accept",
		},
		[]string{"event_type"},
	)

	handled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_eventbus_handled_total",
			Help: "Total number of events handled successfully",
		},
		[]string{"queue"},
	)

	handlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_eventbus_handler_errors_total",
			Help: "Total number of handler failures",
		},
		[]string{"queue"},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_eventbus_dead_lettered_total",
			Help: "Total number of messages parked on the dead-letter queue",
		},
		[]string{"queue"},
	)
)

package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_notify_pushes_total",
		Help: "Total number of fan-out events delivered to the realtime service",
	})

	pushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_notify_push_failures_total",
		Help: "Total number of failed realtime pushes",
	})
)

package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_rpc_call_duration_seconds",
			Help:    "Duration of outgoing RPC calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"routing_key", "outcome"},
	)

	responderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_rpc_responder_requests_total",
			Help: "Total number of RPC requests served",
		},
		[]string{"routing_key", "outcome"},
	)
)

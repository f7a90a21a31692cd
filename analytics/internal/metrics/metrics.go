package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Collector metrics
	EventsCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_events_collected_total",
			Help: "Total number of raw events stored, by event type",
		},
		[]string{"event_type"},
	)

	EventsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_events_duplicate_total",
			Help: "Total number of redelivered events already stored",
		},
	)

	CollectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_collect_errors_total",
			Help: "Total number of events that could not be stored",
		},
		[]string{"reason"},
	)

	// Aggregation run metrics
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_analytics_run_duration_seconds",
			Help:    "Duration of aggregation runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"period"},
	)

	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_runs_total",
			Help: "Total number of aggregation runs by outcome",
		},
		[]string{"period", "outcome"},
	)

	RecordsAggregated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_records_aggregated_total",
			Help: "Total number of raw events rolled up",
		},
		[]string{"period"},
	)

	RollupsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_rollups_written_total",
			Help: "Total number of rollup upserts",
		},
		[]string{"period"},
	)

	// Retention metrics
	EventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_events_purged_total",
			Help: "Total number of expired raw events deleted",
		},
	)

	// Usage report metrics
	PeerStatsUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_analytics_peer_stats_unavailable_total",
			Help: "Total number of peer stats requests that degraded to an empty section",
		},
		[]string{"routing_key"},
	)
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Plan Metrics
var (
	PlanFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_plan_fetches_total",
			Help: "Total number of plan fetch attempts",
		},
		[]string{"result"}, // refreshed, not_modified, malformed, transport_error
	)

	PlanPluginsCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostwatch_plan_plugins",
			Help: "Number of plugins in the live plan",
		},
	)

	SignatureRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_signature_rejections_total",
			Help: "Total number of plugins rejected by signature verification",
		},
		[]string{"reason"}, // missing, no_account_key, both_failed
	)
)

// Plugin Metrics
var (
	PluginRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_plugin_runs_total",
			Help: "Total number of plugin executions by final state",
		},
		[]string{"state"},
	)

	PluginRunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostwatch_plugin_run_duration_seconds",
			Help:    "Duration of plugin executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"runtime"}, // script, wasm
	)
)

// Check-in Metrics
var (
	CheckinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_checkins_total",
			Help: "Total number of check-in transmissions",
		},
		[]string{"result"}, // success, failure
	)

	CheckinPayloadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostwatch_checkin_payload_bytes",
			Help:    "Compressed size of transmitted check-in payloads",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	CollectorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_collector_failures_total",
			Help: "Total number of server metric collector failures",
		},
		[]string{"collector"},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostwatch_last_run_timestamp_seconds",
			Help: "Unix time of the last completed agent invocation",
		},
	)
)

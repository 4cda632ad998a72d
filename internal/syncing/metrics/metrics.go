package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted tracks sync runs started per store
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_runs_started_total",
			Help: "Total number of sync runs started",
		},
		[]string{"store"},
	)

	// RunsFinished tracks sync runs reaching a terminal state
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_runs_finished_total",
			Help: "Total number of sync runs finished, by terminal status",
		},
		[]string{"store", "status"},
	)

	// ActiveRuns tracks runs that have not reached a terminal state
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalogsync_active_runs",
			Help: "Number of sync runs currently active",
		},
	)

	// ItemsProcessed tracks items by outcome
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_items_processed_total",
			Help: "Total number of items processed",
		},
		[]string{"store", "outcome"},
	)

	// StageLatency tracks per-item stage duration
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_stage_latency_seconds",
			Help:    "Per-item stage latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// RetriesTotal tracks retry attempts by stage and fault kind
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_retries_total",
			Help: "Total number of retried calls",
		},
		[]string{"stage", "kind"},
	)

	// AICostUSD tracks accumulated AI spend
	AICostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_ai_cost_usd_total",
			Help: "Accumulated AI cost in USD",
		},
		[]string{"provider", "model"},
	)

	// AITokens tracks tokens consumed by type (input, cached_input, output)
	AITokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_ai_tokens_total",
			Help: "Total AI tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	// ProgressPublishErrors tracks failed broadcaster publishes
	ProgressPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogsync_progress_publish_errors_total",
			Help: "Total number of failed progress publishes",
		},
	)

	// DBConnectionPoolUsage tracks database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalogsync_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Incident engine metrics for production monitoring
var (
	// Incident lifecycle metrics
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_incidents_total",
			Help: "Total number of incident events received, by final disposition",
		},
		[]string{"status"},
	)

	DuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_duplicate_events_skipped_total",
			Help: "Duplicate event deliveries resolved without a new investigation",
		},
	)

	StaleRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_stale_recoveries_total",
			Help: "Investigations re-entered after a crashed predecessor",
		},
	)

	InvestigationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_investigation_duration_seconds",
			Help:    "End-to-end investigation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"outcome"},
	)

	// Oracle metrics
	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_oracle_requests_total",
			Help: "Total number of diagnosis oracle requests",
		},
		[]string{"status"},
	)

	OracleTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_oracle_tokens_total",
			Help: "Total number of oracle tokens consumed",
		},
		[]string{"type"}, // type: prompt/completion
	)

	// Collector metrics
	CollectorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_collector_calls_total",
			Help: "Total number of evidence collector invocations",
		},
		[]string{"collector", "status"},
	)

	CollectorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_collector_call_duration_seconds",
			Help:    "Evidence collector call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"collector"},
	)

	CollectorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_collector_retries_total",
			Help: "Retries against the collector service, by error category",
		},
		[]string{"category"},
	)

	// Evidence budget metrics
	EvidenceReductions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_evidence_reductions_total",
			Help: "Evidence bundle reductions applied to fit the token budget",
		},
		[]string{"collector"},
	)

	EvidenceBundleTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_evidence_bundle_tokens",
			Help:    "Final evidence bundle size in estimated tokens",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12),
		},
	)

	// Watchdog metrics
	WatchdogSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_watchdog_sweeps_total",
			Help: "Watchdog sweep executions",
		},
	)

	WatchdogStaleFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_watchdog_stale_failed_total",
			Help: "Stale investigations the watchdog transitioned to FAILED",
		},
	)

	RecordsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_records_purged_total",
			Help: "Expired incident records removed by TTL purge",
		},
	)

	// Streaming metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_websocket_connections",
			Help: "Currently connected run-event stream clients",
		},
	)
)

// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Provider metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderBackoffs *prometheus.CounterVec
	RPCCallLatency   *prometheus.HistogramVec

	// Trade source metrics
	PagesFetched       *prometheus.CounterVec
	DuplicateLegsDrops *prometheus.CounterVec

	// Aggregation metrics
	TransactionsProcessed *prometheus.CounterVec
	LegsIngested          *prometheus.CounterVec
	FeeLegs               *prometheus.CounterVec
	PricesResolved        *prometheus.CounterVec

	// Ledger metrics
	LedgerOutcomes *prometheus.CounterVec

	// Sync metrics
	SyncRunsTotal *prometheus.CounterVec
	SyncDuration  *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulSync *prometheus.GaugeVec
	WebsocketClients   prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dex_pnl_indexer"
	}

	return &Metrics{
		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of provider calls by pool, provider and outcome class",
		}, []string{"pool", "provider", "class"}),
		ProviderBackoffs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "backoffs_total",
			Help:      "Total number of rate-limit backoffs applied to providers",
		}, []string{"pool", "provider"}),
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_latency_seconds",
			Help:      "Provider call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),

		PagesFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tradesource",
			Name:      "pages_fetched_total",
			Help:      "Total number of trade pages fetched per token",
		}, []string{"token"}),
		DuplicateLegsDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tradesource",
			Name:      "duplicate_legs_dropped_total",
			Help:      "Trade legs dropped because they repeated across a page boundary",
		}, []string{"token"}),

		TransactionsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "transactions_processed_total",
			Help:      "Total number of transactions aggregated per token",
		}, []string{"token"}),
		LegsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "legs_ingested_total",
			Help:      "Total number of trade legs ingested by side",
		}, []string{"token", "side"}),
		FeeLegs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "fee_legs_total",
			Help:      "Total number of legs classified as fee activity",
		}, []string{"token"}),
		PricesResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "prices_resolved_total",
			Help:      "Total number of leg prices resolved by source",
		}, []string{"source"}),

		LedgerOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "outcomes_total",
			Help:      "Ledger application outcomes by side and outcome",
		}, []string{"side", "outcome"}),

		SyncRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of token sync runs by status",
		}, []string{"token", "status"}),
		SyncDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Token sync duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"token"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulSync: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sync_timestamp",
			Help:      "Unix timestamp of the last successful sync per token",
		}, []string{"token"}),
		WebsocketClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "websocket_clients",
			Help:      "Number of connected status websocket clients",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordProviderCall counts a provider call outcome.
func RecordProviderCall(pool, provider, class string) {
	DefaultMetrics.ProviderCalls.WithLabelValues(pool, provider, class).Inc()
}

// RecordProviderBackoff counts a rate-limit backoff.
func RecordProviderBackoff(pool, provider string) {
	DefaultMetrics.ProviderBackoffs.WithLabelValues(pool, provider).Inc()
}

// RecordRPCLatency records provider call latency.
func RecordRPCLatency(pool string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(pool).Observe(seconds)
}

// RecordPage records a fetched page and the number of duplicate legs it dropped.
func RecordPage(token string, duplicates int) {
	DefaultMetrics.PagesFetched.WithLabelValues(token).Inc()
	if duplicates > 0 {
		DefaultMetrics.DuplicateLegsDrops.WithLabelValues(token).Add(float64(duplicates))
	}
}

// RecordTransaction records an aggregated transaction.
func RecordTransaction(token string, buys, sells, fees int) {
	DefaultMetrics.TransactionsProcessed.WithLabelValues(token).Inc()
	DefaultMetrics.LegsIngested.WithLabelValues(token, "BUY").Add(float64(buys))
	DefaultMetrics.LegsIngested.WithLabelValues(token, "SELL").Add(float64(sells))
	if fees > 0 {
		DefaultMetrics.FeeLegs.WithLabelValues(token).Add(float64(fees))
	}
}

// RecordPriceSource counts a resolved leg price by source.
func RecordPriceSource(source string) {
	DefaultMetrics.PricesResolved.WithLabelValues(source).Inc()
}

// RecordLedgerOutcome counts a ledger application result.
func RecordLedgerOutcome(side, outcome string) {
	DefaultMetrics.LedgerOutcomes.WithLabelValues(side, outcome).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordSyncRun records a completed token sync.
func RecordSyncRun(token, status string, durationSeconds float64, finishedAt int64) {
	DefaultMetrics.SyncRunsTotal.WithLabelValues(token, status).Inc()
	DefaultMetrics.SyncDuration.WithLabelValues(token).Observe(durationSeconds)
	if status == "success" {
		DefaultMetrics.LastSuccessfulSync.WithLabelValues(token).Set(float64(finishedAt))
	}
}

// SetWebsocketClients updates the connected websocket client gauge.
func SetWebsocketClients(n int) {
	DefaultMetrics.WebsocketClients.Set(float64(n))
}

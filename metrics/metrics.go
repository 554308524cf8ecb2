package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the indexer exports. Collectors live on a
// private registry so the exposition surface carries exactly these series.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	TransactionsProcessed  prometheus.Counter
	TransactionsFailed     prometheus.Counter
	StreamReconnections    prometheus.Counter
	BalanceChangesRecorded prometheus.Counter
	Errors                 prometheus.Counter

	StreamConnected          prometheus.Gauge
	LastTransactionTimestamp prometheus.Gauge
	LastObservedSlot         prometheus.Gauge

	TransactionProcessing prometheus.Histogram
	DatabaseOperation     prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		TransactionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_processed_total",
			Help: "Total number of transactions written to the sink or dropped there as duplicates",
		}),
		TransactionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transactions_failed_total",
			Help: "Total number of transactions dropped after enrichment, parse or sink failure",
		}),
		StreamReconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnections_total",
			Help: "Total number of stream reconnection attempts",
		}),
		BalanceChangesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balance_changes_recorded_total",
			Help: "Total number of balance change rows written",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors across all components",
		}),

		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_connected",
			Help: "Whether the upstream subscription is live (1) or down (0)",
		}),
		LastTransactionTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "last_transaction_timestamp",
			Help: "Unix time of the most recently committed transaction",
		}),
		LastObservedSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "last_observed_slot",
			Help: "Highest slot seen on the subscription",
		}),

		TransactionProcessing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transaction_processing_seconds",
			Help:    "End-to-end time to enrich, parse and commit one transaction",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		DatabaseOperation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "database_operation_seconds",
			Help:    "Time spent in a single sink write",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	m.registry.MustRegister(
		m.TransactionsProcessed,
		m.TransactionsFailed,
		m.StreamReconnections,
		m.BalanceChangesRecorded,
		m.Errors,
		m.StreamConnected,
		m.LastTransactionTimestamp,
		m.LastObservedSlot,
		m.TransactionProcessing,
		m.DatabaseOperation,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "uptime_seconds",
			Help: "Seconds since process start",
		}, func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
	)

	return m
}

// Registry returns the registry backing the exposition endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

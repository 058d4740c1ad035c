package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all the Prometheus metrics for the Keeper.
type Metrics struct {
	// --- Liveness ---
	LastScannedBlock prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	// --- Rounds ---
	ScanRoundDur   prometheus.Histogram
	OracleRoundDur prometheus.Histogram
	PagesFetched   prometheus.Counter
	KeyAcquireWait prometheus.Histogram
	KeepersInUse   prometheus.Gauge

	// --- State ---
	PerpetualsTracked prometheus.Gauge
	AccountsCached    prometheus.Gauge

	// --- Liquidations ---
	UnsafeAccounts          prometheus.Counter
	LiquidationsSubmitted   prometheus.Counter
	LiquidationsConfirmed   *prometheus.CounterVec
	OracleTriggeredRechecks prometheus.Counter
}

// NewMetrics creates and registers the keeper metrics with reg.
func NewMetrics(reg prometheus.Registerer, keeperName string) *Metrics {
	return &Metrics{
		LastScannedBlock: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Subsystem: keeperName,
			Name:      "keeper_last_scanned_block",
			Help:      "The block number of the last completed full account scan.",
		}),
		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: keeperName,
			Name:      "keeper_errors_total",
			Help:      "Total number of errors encountered by the keeper, labeled by error type.",
		}, []string{"type"}),

		ScanRoundDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Subsystem: keeperName,
			Name:      "keeper_scan_round_duration_seconds",
			Help:      "Time taken by a full discovery and account scan round.",
			Buckets:   prometheus.DefBuckets,
		}),
		OracleRoundDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Subsystem: keeperName,
			Name:      "keeper_oracle_round_duration_seconds",
			Help:      "Time taken by an oracle poll and the re-checks it triggered.",
			Buckets:   prometheus.DefBuckets,
		}),
		PagesFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: keeperName,
			Name:      "keeper_account_pages_fetched_total",
			Help:      "Pages of margin accounts requested from the reader.",
		}),
		KeyAcquireWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Subsystem: keeperName,
			Name:      "keeper_key_acquire_wait_seconds",
			Help:      "Time spent waiting for a free keeper account.",
			Buckets:   prometheus.DefBuckets,
		}),
		KeepersInUse: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Subsystem: keeperName,
			Name:      "keeper_accounts_in_use",
			Help:      "Keeper accounts currently held by an in-flight submission.",
		}),

		PerpetualsTracked: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Subsystem: keeperName,
			Name:      "keeper_perpetuals_tracked",
			Help:      "Perpetuals in the current registry snapshot.",
		}),
		AccountsCached: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Subsystem: keeperName,
			Name:      "keeper_accounts_cached",
			Help:      "Accounts with open positions cached across all perpetuals after the last scan.",
		}),

		UnsafeAccounts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: keeperName,
			Name:      "keeper_unsafe_accounts_total",
			Help:      "Unsafe accounts found by scans and re-checks.",
		}),
		LiquidationsSubmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: keeperName,
			Name:      "keeper_liquidations_submitted_total",
			Help:      "Liquidation transactions accepted by the node.",
		}),
		LiquidationsConfirmed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: keeperName,
			Name:      "keeper_liquidations_confirmed_total",
			Help:      "Liquidation receipts observed, labeled by status.",
		}, []string{"status"}),
		OracleTriggeredRechecks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: keeperName,
			Name:      "keeper_oracle_triggered_rechecks_total",
			Help:      "Perpetual re-checks triggered by an oracle price change.",
		}),
	}
}

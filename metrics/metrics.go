// Package metrics declares the Prometheus metrics exported by the ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Replay metrics
	LedgerBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_builds_total",
			Help: "Total number of full ledger replays by outcome",
		},
		[]string{"result"}, // ok, error
	)

	LedgerBuildDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_build_duration_seconds",
			Help:    "Duration of a full ledger replay",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
	)

	LedgerBuildTransactions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_build_transactions",
			Help:    "Number of transactions produced by a replay",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// Transaction list memo
	ListCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_list_cache_total",
			Help: "Transaction list replay lookups by result",
		},
		[]string{"result"}, // hit, miss, shared
	)

	// Refunds
	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_refunds_total",
			Help: "Refund attempts by purchase type and result",
		},
		[]string{"purchase_type", "result"}, // ok, rejected, processor_error, store_error
	)

	// Verification
	ReconcileFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconcile_findings_total",
			Help: "Reconciliation findings by severity",
		},
		[]string{"severity"}, // warning, mismatch
	)

	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconcile_runs_total",
			Help: "Reconciliation runs by outcome",
		},
		[]string{"result"}, // clean, findings, error
	)
)

// Package services – Prometheus instrumentation.
//
// Domain-level collectors for the ledger and fan-out paths. Label sets are
// deliberately tiny (a single outcome/reason label) to keep cardinality
// bounded; per-chat labels are avoided because the registry can grow.
package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// accrualsTotal counts accrual decisions by outcome:
	// "accepted", "dropped_flood", "ignored".
	accrualsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_accruals_total",
			Help: "Total number of accrual events by outcome.",
		},
		[]string{"outcome"},
	)

	// pointsAwarded sums the points granted by accepted accruals.
	pointsAwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_points_awarded_total",
			Help: "Total activity points awarded.",
		},
	)

	// deliveriesTotal counts per-target delivery attempts by outcome:
	// "ok", "failed".
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_deliveries_total",
			Help: "Total number of per-target broadcast deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// flushesTotal counts completed flushes (including partially failed ones).
	flushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_flushes_total",
			Help: "Total number of completed broadcast flushes.",
		},
	)
)

func init() {
	prometheus.MustRegister(accrualsTotal, pointsAwarded, deliveriesTotal, flushesTotal)
}

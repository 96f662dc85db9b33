package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goldchain",
			Name:      "settlement_operations_total",
			Help:      "Total settlement operations by type.",
		},
		[]string{"type"},
	)

	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "goldchain",
			Name:      "settlement_operation_duration_seconds",
			Help:      "Settlement operation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"type"},
	)

	// settlementsTotal counts purchase settlements by outcome.
	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goldchain",
			Name:      "settlements_total",
			Help:      "Purchase settlements by outcome.",
		},
		[]string{"outcome"},
	)

	// transitionsTotal counts ledger status transitions.
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goldchain",
			Name:      "ledger_status_transitions_total",
			Help:      "Ledger status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// anchorsTotal counts on-chain anchor attempts.
	anchorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goldchain",
			Name:      "ledger_anchors_total",
			Help:      "On-chain ledger anchor attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		opsTotal,
		opDuration,
		settlementsTotal,
		transitionsTotal,
		anchorsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	opsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

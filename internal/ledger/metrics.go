package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devolt",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devolt",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	escrowsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devolt",
			Subsystem: "ledger",
			Name:      "escrows_opened_total",
			Help:      "Escrows opened by kind.",
		},
		[]string{"kind"},
	)

	escrowsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devolt",
			Subsystem: "ledger",
			Name:      "escrows_settled_total",
			Help:      "Escrows settled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		escrowsOpened,
		escrowsSettled,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "polls_total",
		Help:      "Pending-escrow polls by result.",
	}, []string{"result"})

	pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "poll_duration_seconds",
		Help:      "Duration of pending-escrow polls in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	pendingEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "pending_escrows",
		Help:      "Pending escrows observed by the last successful poll.",
	})

	oldestPendingAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "oldest_pending_age_seconds",
		Help:      "Age of the oldest pending escrow at the last successful poll.",
	})

	inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "in_flight",
		Help:      "Settlement attempts currently outstanding.",
	})

	dispatchSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "dispatch_skipped_total",
		Help:      "Pending escrows not dispatched this cycle, by reason.",
	}, []string{"reason"})

	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "settlements_total",
		Help:      "Settlement attempts by kind and result.",
	}, []string{"kind", "result"})

	settlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "settlement_duration_seconds",
		Help:      "Duration of settlement attempts in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"kind"})

	backoffDelay = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "next_poll_delay_seconds",
		Help:      "Delay before the next poll.",
	})

	consecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devolt",
		Subsystem: "reconciliation",
		Name:      "consecutive_poll_failures",
		Help:      "Consecutive failed polls.",
	})
)

func init() {
	prometheus.MustRegister(
		pollsTotal,
		pollDuration,
		pendingEscrows,
		oldestPendingAge,
		inFlightGauge,
		dispatchSkipped,
		settlementsTotal,
		settlementDuration,
		backoffDelay,
		consecutiveFailures,
	)
}

package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devolt",
			Subsystem: "settlement_rpc",
			Name:      "requests_total",
			Help:      "Settlement JSON-RPC requests served, by method and result code.",
		},
		[]string{"method", "code"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devolt",
			Subsystem: "settlement_rpc",
			Name:      "request_duration_seconds",
			Help:      "Settlement JSON-RPC handling time in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(rpcRequests, rpcDuration)
}

// methodLabel bounds label cardinality to the known methods.
func methodLabel(method string) string {
	switch method {
	case MethodSellEnergy, MethodBuyEnergy, MethodConfirmSelling, MethodConfirmBuying:
		return method
	}
	return "unknown"
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the engine.
type Metrics struct {
	Activations     *prometheus.CounterVec
	AccrualCredits  prometheus.Counter
	Orders          *prometheus.CounterVec
	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	TokensCredited  prometheus.Counter
	OfflineReplays  *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mining_activations_total",
				Help:      "Total mining activations by source and outcome.",
			}, []string{"source", "outcome"}),
			AccrualCredits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mining_accruals_total",
				Help:      "Total hourly accrual credits applied.",
			}),
			Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_orders_total",
				Help:      "Total payment order transitions by provider and status.",
			}, []string{"provider", "status"}),
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total payment gateway requests by provider, call and outcome.",
			}, []string{"provider", "call", "outcome"}),
			GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Latency distribution for payment gateway calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "call"}),
			TokensCredited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_credited_total",
				Help:      "Total tokens credited through the ledger.",
			}),
			OfflineReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offline_replays_total",
				Help:      "Total offline queue replays by outcome.",
			}, []string{"outcome"}),
		}

		prometheus.MustRegister(
			metricsInstance.Activations,
			metricsInstance.AccrualCredits,
			metricsInstance.Orders,
			metricsInstance.GatewayRequests,
			metricsInstance.GatewayLatency,
			metricsInstance.TokensCredited,
			metricsInstance.OfflineReplays,
		)
	})
	return metricsInstance
}

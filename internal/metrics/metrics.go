// Package metrics holds the Prometheus collectors of the reconciliation
// engine. Collectors are registered lazily on first use.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every metric the engine exports.
type Collectors struct {
	Verifications          *prometheus.CounterVec
	VerificationDuration   *prometheus.HistogramVec
	Reconciliations        *prometheus.CounterVec
	QueueDepth             prometheus.Gauge
	SubscriptionReconnects prometheus.Counter
	LogsObserved           *prometheus.CounterVec
	HTTPRequests           *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Collectors
)

// Default returns the process-wide collectors, registering them with the
// default Prometheus registerer on first call.
func Default() *Collectors {
	once.Do(func() {
		registry = &Collectors{
			Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainrecon",
				Name:      "verifications_total",
				Help:      "Transaction verifications segmented by outcome.",
			}, []string{"outcome"}),
			VerificationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chainrecon",
				Name:      "verification_duration_seconds",
				Help:      "Wall time of a verification including retries, by outcome.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"outcome", "mode"}),
			Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainrecon",
				Name:      "reconciliations_total",
				Help:      "Reconciliation attempts segmented by outcome.",
			}, []string{"outcome"}),
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chainrecon",
				Name:      "queue_depth",
				Help:      "Payment events waiting in the work queue.",
			}),
			SubscriptionReconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chainrecon",
				Name:      "subscription_reconnects_total",
				Help:      "Times the ledger log subscription was re-established.",
			}),
			LogsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainrecon",
				Name:      "logs_observed_total",
				Help:      "Payment logs seen on the subscription segmented by handling result.",
			}, []string{"result"}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainrecon",
				Name:      "http_requests_total",
				Help:      "HTTP API requests segmented by method and status code.",
			}, []string{"method", "status"}),
		}
		prometheus.MustRegister(
			registry.Verifications,
			registry.VerificationDuration,
			registry.Reconciliations,
			registry.QueueDepth,
			registry.SubscriptionReconnects,
			registry.LogsObserved,
			registry.HTTPRequests,
		)
	})
	return registry
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	Default()
	return promhttp.Handler()
}

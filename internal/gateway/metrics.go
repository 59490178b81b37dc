package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for source calls.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
}

// NewMetrics returns the process-wide gateway metrics, registering them once.
//
// Metrics:
//   - medagent_gateway_calls_total{source,operation,outcome} - outcome is success, cached or failure
//   - medagent_gateway_call_duration_seconds{source} - wall time including retries and waits
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "medagent_gateway_calls_total",
					Help: "Total number of data source calls by outcome",
				},
				[]string{"source", "operation", "outcome"},
			),
			CallDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "medagent_gateway_call_duration_seconds",
					Help:    "Duration of data source calls in seconds",
					Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"source"},
			),
		}
	})
	return globalMetrics
}

// Record counts one call and observes its duration.
func (m *Metrics) Record(source, operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(source, operation, outcome).Inc()
	m.CallDuration.WithLabelValues(source).Observe(seconds)
}

package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus counters for cache lookups.
type Metrics struct {
	HitsTotal   *prometheus.CounterVec
	MissesTotal *prometheus.CounterVec
}

// NewMetrics returns the process-wide cache metrics, registering them once.
//
// Metrics:
//   - medagent_cache_hits_total{store}
//   - medagent_cache_misses_total{store}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "medagent_cache_hits_total",
					Help: "Total number of result cache hits",
				},
				[]string{"store"},
			),
			MissesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "medagent_cache_misses_total",
					Help: "Total number of result cache misses, including expired entries",
				},
				[]string{"store"},
			),
		}
	})
	return globalMetrics
}

// RecordHit increments the hit counter.
func (m *Metrics) RecordHit(store string) {
	if m == nil {
		return
	}
	m.HitsTotal.WithLabelValues(store).Inc()
}

// RecordMiss increments the miss counter.
func (m *Metrics) RecordMiss(store string) {
	if m == nil {
		return
	}
	m.MissesTotal.WithLabelValues(store).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics instruments the persistent cache.
type CacheMetrics struct {
	lookups   *prometheus.CounterVec
	evictions *prometheus.CounterVec
	entries   prometheus.Gauge
	bytes     prometheus.Gauge
	degraded  prometheus.Gauge
	corrupt   prometheus.Counter
}

// NewCacheMetrics creates cache metrics. Returns nil when metrics are
// disabled.
func NewCacheMetrics() *CacheMetrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	return &CacheMetrics{
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "outrun_cache_lookups_total",
			Help: "Cache lookups by entry kind and outcome (hit, miss, stale)",
		}, []string{"kind", "outcome"}),
		evictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "outrun_cache_evictions_total",
			Help: "Entries evicted by reason (lru, invalid)",
		}, []string{"reason"}),
		entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "outrun_cache_entries",
			Help: "Current number of cache entries",
		}),
		bytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "outrun_cache_bytes",
			Help: "Current blob bytes on disk",
		}),
		degraded: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "outrun_cache_degraded",
			Help: "1 when the cache has disabled read-through after repeated corruption",
		}),
		corrupt: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "outrun_cache_corruption_total",
			Help: "Cache entries that failed their integrity check",
		}),
	}
}

// ObserveLookup records a lookup outcome for an entry kind.
func (m *CacheMetrics) ObserveLookup(kind, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(kind, outcome).Inc()
}

// ObserveEviction records an eviction.
func (m *CacheMetrics) ObserveEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// SetUsage updates the entry and byte gauges.
func (m *CacheMetrics) SetUsage(entries int, bytes uint64) {
	if m == nil {
		return
	}
	m.entries.Set(float64(entries))
	m.bytes.Set(float64(bytes))
}

// SetDegraded flips the degraded gauge.
func (m *CacheMetrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

// IncCorrupt counts an integrity failure.
func (m *CacheMetrics) IncCorrupt() {
	if m == nil {
		return
	}
	m.corrupt.Inc()
}

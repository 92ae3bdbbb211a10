package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrefetchMetrics instruments bulk fetch bundles on the serving side.
type PrefetchMetrics struct {
	items       prometheus.Histogram
	bytes       prometheus.Histogram
	truncations prometheus.Counter
}

// NewPrefetchMetrics creates prefetch metrics. Returns nil when metrics are
// disabled.
func NewPrefetchMetrics() *PrefetchMetrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	return &PrefetchMetrics{
		items: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "outrun_prefetch_bundle_items",
			Help:    "Items per bulk fetch bundle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		bytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "outrun_prefetch_bundle_bytes",
			Help:    "Uncompressed payload bytes per bundle",
			Buckets: prometheus.ExponentialBuckets(4096, 4, 12),
		}),
		truncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "outrun_prefetch_truncations_total",
			Help: "Bundles truncated at the entry or byte cap",
		}),
	}
}

// ObserveBundle records the size of one bundle.
func (m *PrefetchMetrics) ObserveBundle(items int, bytes uint64, truncated bool) {
	if m == nil {
		return
	}
	m.items.Observe(float64(items))
	m.bytes.Observe(float64(bytes))
	if truncated {
		m.truncations.Inc()
	}
}

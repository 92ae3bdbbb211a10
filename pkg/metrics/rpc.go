package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPCMetrics instruments one side of the RPC transport.
type RPCMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	bytesIn  prometheus.Counter
	bytesOut prometheus.Counter
	inFlight prometheus.Gauge
	timeouts prometheus.Counter
	recycles prometheus.Counter
}

// NewRPCMetrics creates RPC metrics labeled by side ("client" or "server").
// Returns nil when metrics are disabled.
func NewRPCMetrics(side string) *RPCMetrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	labels := prometheus.Labels{"side": side}
	return &RPCMetrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "outrun_rpc_requests_total",
			Help:        "RPC requests by operation and status",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		latency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:        "outrun_rpc_latency_seconds",
			Help:        "RPC round-trip latency by operation",
			ConstLabels: labels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		bytesIn: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "outrun_rpc_bytes_received_total",
			Help:        "Total payload bytes received",
			ConstLabels: labels,
		}),
		bytesOut: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "outrun_rpc_bytes_sent_total",
			Help:        "Total payload bytes sent",
			ConstLabels: labels,
		}),
		inFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "outrun_rpc_in_flight",
			Help:        "Requests currently awaiting a response",
			ConstLabels: labels,
		}),
		timeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "outrun_rpc_timeouts_total",
			Help:        "Requests that exceeded their deadline",
			ConstLabels: labels,
		}),
		recycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "outrun_rpc_connection_recycles_total",
			Help:        "Connections recycled after consecutive timeouts",
			ConstLabels: labels,
		}),
	}
}

// ObserveRequest records one completed request.
func (m *RPCMetrics) ObserveRequest(op, status string, start time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, status).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// AddBytesIn accounts received payload bytes.
func (m *RPCMetrics) AddBytesIn(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}

// AddBytesOut accounts sent payload bytes.
func (m *RPCMetrics) AddBytesOut(n int) {
	if m == nil {
		return
	}
	m.bytesOut.Add(float64(n))
}

// IncInFlight tracks a newly submitted request.
func (m *RPCMetrics) IncInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// DecInFlight tracks a resolved request.
func (m *RPCMetrics) DecInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// IncTimeout counts a deadline expiry.
func (m *RPCMetrics) IncTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// IncRecycle counts a connection recycle.
func (m *RPCMetrics) IncRecycle() {
	if m == nil {
		return
	}
	m.recycles.Inc()
}

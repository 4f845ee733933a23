// Package metrics exposes the proxy's Prometheus registry. Counters and
// histograms are the client library's lock-free atomics; renders are
// best-effort snapshots served by promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every instrument the data plane touches.
type Registry struct {
	reg *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	BytesUpstream    prometheus.Counter
	BytesDownstream  prometheus.Counter
	PacketsDropped   prometheus.Counter
	PacketsDelayed   prometheus.Counter
	PacketsThrottled prometheus.Counter
	StallEvents      prometheus.Counter
	HalfCloseEvents  prometheus.Counter
	ConnectFailures  prometheus.Counter
	AdmissionDenied  prometheus.Counter
	SessionsShed     prometheus.Counter

	LatencyInjectedMs prometheus.Histogram
	SessionLifetime   prometheus.Histogram
	BufferOccupancy   prometheus.Histogram
}

// New builds a registry with all proxy instruments registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shakyline_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_sessions_total",
			Help: "Total sessions accepted",
		}),
		BytesUpstream: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_bytes_upstream_total",
			Help: "Total bytes forwarded client to server",
		}),
		BytesDownstream: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_bytes_downstream_total",
			Help: "Total bytes forwarded server to client",
		}),
		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_packets_dropped_total",
			Help: "Total packets dropped by anomaly decision",
		}),
		PacketsDelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_packets_delayed_total",
			Help: "Total packets routed through the delay queue",
		}),
		PacketsThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_packets_throttled_total",
			Help: "Total packets paced by bandwidth throttling",
		}),
		StallEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_stall_events_total",
			Help: "Total stall events",
		}),
		HalfCloseEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_half_close_events_total",
			Help: "Total injected half-close events",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_connect_failures_total",
			Help: "Total upstream connect failures",
		}),
		AdmissionDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_admission_denied_total",
			Help: "Total connections rejected by admission control",
		}),
		SessionsShed: factory.NewCounter(prometheus.CounterOpts{
			Name: "shakyline_sessions_shed_total",
			Help: "Total idle sessions shed to make room",
		}),
		LatencyInjectedMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shakyline_latency_injected_ms",
			Help:    "Injected per-packet latency in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000},
		}),
		SessionLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shakyline_session_lifetime_seconds",
			Help:    "Session lifetime in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 3600},
		}),
		BufferOccupancy: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shakyline_buffer_occupancy_bytes",
			Help:    "Per-direction buffer occupancy observed at write completion",
			Buckets: []float64{1024, 8192, 32768, 65536, 262144, 1048576},
		}),
	}
}

// Handler serves the Prometheus text exposition for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

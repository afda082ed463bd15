// Package metrics exposes Prometheus instrumentation for the relay server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the relay server registers.
type Metrics struct {
	ActiveTunnels prometheus.Gauge
	TunnelsRegisteredTotal prometheus.Counter
	TunnelsRejectedTotal *prometheus.CounterVec
	PendingRequests prometheus.Gauge
	RequestsTotal *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BytesRelayedTotal *prometheus.CounterVec
	ErrorsTotal *prometheus.CounterVec
	ExternalWSSessions prometheus.Gauge
}

// New creates and registers every collector against reg. Passing nil
// registers against the default global registry, as production callers do;
// tests pass a fresh prometheus.NewRegistry() to avoid collisions across
// parallel test binaries.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_tunnels",
			Help: "Currently registered tunnels",
		}),
		TunnelsRegisteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_tunnels_registered_total",
			Help: "Total tunnels successfully registered",
		}),
		TunnelsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tunnels_rejected_total",
			Help: "Total tunnel registration attempts rejected",
		}, []string{"reason"}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Currently outstanding request/response round trips",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total external HTTP requests routed to a tunnel",
		}, []string{"status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "relay_request_duration_seconds",
			Help: "End-to-end latency of a routed external request",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		BytesRelayedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bytes_relayed_total",
			Help: "Total bytes relayed between external clients and tunnels",
		}, []string{"direction"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total protocol-level errors by code",
		}, []string{"code"}),
		ExternalWSSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_external_ws_sessions",
			Help: "Currently active external WebSocket proxy sessions",
		}),
	}
}

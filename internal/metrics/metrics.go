// Package metrics exposes the tunnel's operational counters over
// Prometheus. Every metric here is a process-wide scalar updated at the
// point of the event (a stream handshake, a retransmit, a port open), so
// plain prometheus.Counter/Gauge registered directly are enough: no custom
// Collector pulling samples on scrape is needed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge stunnel reports, all under one
// private prometheus.Registry so multiple instances (e.g. in tests) never
// collide on the global default registry.
type Registry struct {
	reg *prometheus.Registry

	StreamsEstablishedTotal prometheus.Counter
	StreamsBrokenTotal      prometheus.Counter
	UCPRetransmitsTotal     prometheus.Counter
	PortsOpen               prometheus.Gauge
	PortsOpenedTotal        prometheus.Counter
	TunnelRTTMs             prometheus.Gauge
}

// New builds a Registry with every metric registered and ready to observe.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		StreamsEstablishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stunnel_streams_established_total",
			Help: "Total number of carriers (UCP streams or TCP connections) set up with a peer.",
		}),
		StreamsBrokenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stunnel_streams_broken_total",
			Help: "Total number of reliable transport streams torn down due to liveness timeout.",
		}),
		UCPRetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stunnel_ucp_retransmits_total",
			Help: "Total number of packets retransmitted by the reliable UDP transport.",
		}),
		PortsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stunnel_ports_open",
			Help: "Number of logical tunnel ports currently open.",
		}),
		PortsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stunnel_ports_opened_total",
			Help: "Total number of logical tunnel ports opened over the process lifetime.",
		}),
		TunnelRTTMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stunnel_tunnel_rtt_ms",
			Help: "Most recently measured smoothed round-trip time of the reliable transport, in milliseconds.",
		}),
	}

	reg.MustRegister(
		m.StreamsEstablishedTotal,
		m.StreamsBrokenTotal,
		m.UCPRetransmitsTotal,
		m.PortsOpen,
		m.PortsOpenedTotal,
		m.TunnelRTTMs,
	)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// OnRetransmit satisfies ucp.Metrics: a Stream calls this once for every
// packet it resends.
func (m *Registry) OnRetransmit() {
	m.UCPRetransmitsTotal.Inc()
}

// OnRTTUpdate satisfies ucp.Metrics: a Stream calls this with its smoothed
// RTO, in milliseconds, every time an ACK recomputes it.
func (m *Registry) OnRTTUpdate(rttMs uint32) {
	m.TunnelRTTMs.Set(float64(rttMs))
}

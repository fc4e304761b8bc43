package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.StreamsEstablishedTotal.Inc()
	m.PortsOpen.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "stunnel_streams_established_total 1")
	require.Contains(t, body, "stunnel_ports_open 3")
}

func TestRegistrySatisfiesUCPMetricsCallbacks(t *testing.T) {
	m := New()
	m.OnRetransmit()
	m.OnRetransmit()
	m.OnRTTUpdate(42)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "stunnel_ucp_retransmits_total 2")
	require.Contains(t, body, "stunnel_tunnel_rtt_ms 42")
}

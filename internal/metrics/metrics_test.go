package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	r := New()
	r.PacketsDropped.Inc()
	r.PacketsDropped.Inc()
	r.BytesUpstream.Add(128)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.PacketsDropped))
	assert.Equal(t, 128.0, testutil.ToFloat64(r.BytesUpstream))
}

func TestHandlerRendersExposition(t *testing.T) {
	r := New()
	r.SessionsTotal.Inc()
	r.LatencyInjectedMs.Observe(200)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "shakyline_sessions_total 1")
	assert.Contains(t, body, "shakyline_latency_injected_ms_bucket")
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.StallEvents.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.StallEvents))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.StallEvents))
}

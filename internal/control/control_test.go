package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarthakuwar/ShakyLine/internal/anomaly"
	"github.com/sarthakuwar/ShakyLine/internal/config"
	"github.com/sarthakuwar/ShakyLine/internal/logging"
	"github.com/sarthakuwar/ShakyLine/internal/metrics"
	"github.com/sarthakuwar/ShakyLine/internal/proxy"
	"github.com/sarthakuwar/ShakyLine/internal/sched"
)

func newTestServer(t *testing.T) (*Server, *config.Manager) {
	t.Helper()
	cfg := config.NewManager(config.DefaultServerConfig())
	reg := metrics.New()
	logger := logging.New(logging.Error)
	manager := proxy.NewManager(sched.New(), anomaly.NewEngine(42), cfg, reg, logger)
	return NewServer(cfg, manager, reg, logger), cfg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/health", "")
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSessionsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/sessions", "")
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"sessions":[],"count":0}`, rec.Body.String())
}

func TestMetricsExposition(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/metrics", "")
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "shakyline_packets_dropped_total")
}

func TestSetProfileReturnsVersion(t *testing.T) {
	s, cfg := newTestServer(t)
	rec := do(t, s.Handler(), "POST", "/profiles/slow", `{"c2s_latency_ms":200}`)
	require.Equal(t, 200, rec.Code)

	var resp struct {
		Version uint32 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resp.Version, cfg.GetProfile("slow").Version)
	assert.Equal(t, uint32(200), cfg.GetProfile("slow").ClientToServer.LatencyMs)
}

func TestShortFormAppliesWhereSpecificAbsent(t *testing.T) {
	s, cfg := newTestServer(t)
	rec := do(t, s.Handler(), "POST", "/profiles/mix",
		`{"latency_ms":100,"c2s_latency_ms":250,"drop_rate":0.5}`)
	require.Equal(t, 200, rec.Code)

	p := cfg.GetProfile("mix")
	assert.Equal(t, uint32(250), p.ClientToServer.LatencyMs, "specific key wins")
	assert.Equal(t, uint32(100), p.ServerToClient.LatencyMs, "short form fills the absent side")
	assert.Equal(t, 0.5, p.ClientToServer.DropRate)
	assert.Equal(t, 0.5, p.ServerToClient.DropRate)
}

func TestPresentZeroClears(t *testing.T) {
	s, cfg := newTestServer(t)
	do(t, s.Handler(), "POST", "/profiles/p", `{"c2s_latency_ms":500}`)
	// An explicit zero must not be overridden by the short form.
	rec := do(t, s.Handler(), "POST", "/profiles/p", `{"c2s_latency_ms":0,"latency_ms":300}`)
	require.Equal(t, 200, rec.Code)

	p := cfg.GetProfile("p")
	assert.Equal(t, uint32(0), p.ClientToServer.LatencyMs)
	assert.Equal(t, uint32(300), p.ServerToClient.LatencyMs)
}

func TestSetProfileClamps(t *testing.T) {
	s, cfg := newTestServer(t)
	rec := do(t, s.Handler(), "POST", "/profiles/hot", `{"c2s_drop_rate":3.5,"c2s_latency_ms":9999999}`)
	require.Equal(t, 200, rec.Code)

	p := cfg.GetProfile("hot")
	assert.Equal(t, 1.0, p.ClientToServer.DropRate)
	assert.Equal(t, config.MaxLatencyMs, p.ClientToServer.LatencyMs)
}

func TestSetProfileBadJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "POST", "/profiles/bad", `{not json`)
	assert.Equal(t, 400, rec.Code)
}

func TestDeleteProfile(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s.Handler(), "POST", "/profiles/x", `{}`)

	rec := do(t, s.Handler(), "DELETE", "/profiles/x", "")
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())

	rec = do(t, s.Handler(), "DELETE", "/profiles/x", "")
	assert.Equal(t, 404, rec.Code)
}

func TestMutationRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	var got429 bool
	for i := 0; i < config.ConfigUpdateRateLimit+5; i++ {
		rec := do(t, h, "POST", "/profiles/rl", `{}`)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
		}
	}
	assert.True(t, got429, "excess mutations must surface 429")
}

func TestUnknownPath(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/profiles/", "")
	assert.Equal(t, 404, rec.Code)
}

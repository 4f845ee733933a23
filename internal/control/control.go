// Package control serves the operator HTTP API: health, metrics, session
// listing and runtime profile updates. It runs off the data-plane path.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sarthakuwar/ShakyLine/internal/config"
	"github.com/sarthakuwar/ShakyLine/internal/logging"
	"github.com/sarthakuwar/ShakyLine/internal/metrics"
	"github.com/sarthakuwar/ShakyLine/internal/proxy"
)

// Server is the control-plane HTTP server.
type Server struct {
	config  *config.Manager
	manager *proxy.Manager
	metrics *metrics.Registry
	logger  *logging.Logger

	httpSrv *http.Server
	ln      net.Listener
}

func NewServer(cfg *config.Manager, manager *proxy.Manager, reg *metrics.Registry, logger *logging.Logger) *Server {
	return &Server{config: cfg, manager: manager, metrics: reg, logger: logger}
}

// Start binds the control port and serves in the background.
func (s *Server) Start(port uint16) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind control %s: %w", addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Infof(0, 0, "control_server_started", "", fmt.Sprintf("port=%d", port))
	go func() {
		_ = s.httpSrv.Serve(ln)
	}()
	return nil
}

// Stop shuts the control server down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	_ = s.httpSrv.Shutdown(ctx)
	s.logger.Infof(0, 0, "control_server_stopped", "", "")
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/profiles/", s.handleProfiles)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.manager == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := s.manager.SessionIDs()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids, "count": len(ids)})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/profiles/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if !s.config.CheckRateLimit() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		s.handleSetProfile(w, r, name)
	case http.MethodDelete:
		if !s.config.CheckRateLimit() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		s.handleDeleteProfile(w, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// profilePayload is the control-plane wire shape. Pointer fields
// distinguish absent keys from explicit zeros: a direction-specific key
// always wins, a top-level short form applies only where the specific key
// is absent, and a present zero clears the knob.
type profilePayload struct {
	C2SLatencyMs     *uint32  `json:"c2s_latency_ms"`
	C2SJitterMs      *uint32  `json:"c2s_jitter_ms"`
	C2SThrottleKbps  *uint32  `json:"c2s_throttle_kbps"`
	C2SDropRate      *float64 `json:"c2s_drop_rate"`
	C2SStallProb     *float64 `json:"c2s_stall_prob"`
	C2SCorruptRate   *float64 `json:"c2s_corrupt_rate"`
	C2SReorderRate   *float64 `json:"c2s_reorder_rate"`
	C2SHalfCloseRate *float64 `json:"c2s_half_close_rate"`

	S2CLatencyMs     *uint32  `json:"s2c_latency_ms"`
	S2CJitterMs      *uint32  `json:"s2c_jitter_ms"`
	S2CThrottleKbps  *uint32  `json:"s2c_throttle_kbps"`
	S2CDropRate      *float64 `json:"s2c_drop_rate"`
	S2CStallProb     *float64 `json:"s2c_stall_prob"`
	S2CCorruptRate   *float64 `json:"s2c_corrupt_rate"`
	S2CReorderRate   *float64 `json:"s2c_reorder_rate"`
	S2CHalfCloseRate *float64 `json:"s2c_half_close_rate"`

	LatencyMs     *uint32  `json:"latency_ms"`
	JitterMs      *uint32  `json:"jitter_ms"`
	ThrottleKbps  *uint32  `json:"throttle_kbps"`
	DropRate      *float64 `json:"drop_rate"`
	StallProb     *float64 `json:"stall_prob"`
	CorruptRate   *float64 `json:"corrupt_rate"`
	ReorderRate   *float64 `json:"reorder_rate"`
	HalfCloseRate *float64 `json:"half_close_rate"`
}

func pickU32(specific, shared *uint32) uint32 {
	if specific != nil {
		return *specific
	}
	if shared != nil {
		return *shared
	}
	return 0
}

func pickF64(specific, shared *float64) float64 {
	if specific != nil {
		return *specific
	}
	if shared != nil {
		return *shared
	}
	return 0
}

func (p *profilePayload) toProfile() config.AnomalyProfile {
	return config.AnomalyProfile{
		ClientToServer: config.DirectionalProfile{
			LatencyMs:     pickU32(p.C2SLatencyMs, p.LatencyMs),
			JitterMs:      pickU32(p.C2SJitterMs, p.JitterMs),
			ThrottleKbps:  pickU32(p.C2SThrottleKbps, p.ThrottleKbps),
			DropRate:      pickF64(p.C2SDropRate, p.DropRate),
			StallProb:     pickF64(p.C2SStallProb, p.StallProb),
			CorruptRate:   pickF64(p.C2SCorruptRate, p.CorruptRate),
			ReorderRate:   pickF64(p.C2SReorderRate, p.ReorderRate),
			HalfCloseRate: pickF64(p.C2SHalfCloseRate, p.HalfCloseRate),
		},
		ServerToClient: config.DirectionalProfile{
			LatencyMs:     pickU32(p.S2CLatencyMs, p.LatencyMs),
			JitterMs:      pickU32(p.S2CJitterMs, p.JitterMs),
			ThrottleKbps:  pickU32(p.S2CThrottleKbps, p.ThrottleKbps),
			DropRate:      pickF64(p.S2CDropRate, p.DropRate),
			StallProb:     pickF64(p.S2CStallProb, p.StallProb),
			CorruptRate:   pickF64(p.S2CCorruptRate, p.CorruptRate),
			ReorderRate:   pickF64(p.S2CReorderRate, p.ReorderRate),
			HalfCloseRate: pickF64(p.S2CHalfCloseRate, p.HalfCloseRate),
		},
	}
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request, name string) {
	var payload profilePayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	version := s.config.SetProfile(name, payload.toProfile())
	s.logger.Infof(0, 0, "profile_updated", "", fmt.Sprintf("name=%s version=%d", name, version))
	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, name string) {
	if !s.config.DeleteProfile(name) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	s.logger.Infof(0, 0, "profile_deleted", "", "name="+name)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

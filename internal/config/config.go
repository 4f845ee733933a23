// Package config holds anomaly profiles, server settings and the
// thread-safe ConfigManager behind the control API.
package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarthakuwar/ShakyLine/internal/ratelimit"
)

// Limits for profile and server values. Out-of-range values are clamped on
// insertion, never rejected.
const (
	MaxLatencyMs    uint32  = 30000
	MaxJitterMs     uint32  = 10000
	MaxThrottleKbps uint32  = 1000000 // 1 Gbps
	MaxRate         float64 = 1.0

	MaxSessions      = 10000
	SoftLimitPercent = 90

	ConfigUpdateRateLimit = 10 // successful mutations per second
)

// DirectionalProfile is the set of fault knobs for one direction of traffic.
type DirectionalProfile struct {
	LatencyMs     uint32  `yaml:"latency_ms" json:"latency_ms"`
	JitterMs      uint32  `yaml:"jitter_ms" json:"jitter_ms"`
	ThrottleKbps  uint32  `yaml:"throttle_kbps" json:"throttle_kbps"`
	DropRate      float64 `yaml:"drop_rate" json:"drop_rate"`
	StallProb     float64 `yaml:"stall_prob" json:"stall_prob"`
	CorruptRate   float64 `yaml:"corrupt_rate" json:"corrupt_rate"`
	ReorderRate   float64 `yaml:"reorder_rate" json:"reorder_rate"`
	HalfCloseRate float64 `yaml:"half_close_rate" json:"half_close_rate"`
}

// Zero reports whether the profile injects no faults at all.
func (p DirectionalProfile) Zero() bool {
	return p == DirectionalProfile{}
}

// AnomalyProfile bundles both directions plus the store-assigned version.
type AnomalyProfile struct {
	ClientToServer DirectionalProfile `yaml:"client_to_server" json:"client_to_server"`
	ServerToClient DirectionalProfile `yaml:"server_to_client" json:"server_to_client"`
	Version        uint32             `yaml:"-" json:"version"`
}

// ServerConfig is the process-level configuration.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen"`
	UpstreamAddr string `yaml:"upstream"`
	ControlPort  uint16 `yaml:"control_port"`
	GlobalSeed   uint64 `yaml:"seed"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	MinLingerTimeout time.Duration `yaml:"min_linger_timeout"`
	MaxLingerTimeout time.Duration `yaml:"max_linger_timeout"`
}

// DefaultServerConfig mirrors the documented defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       "0.0.0.0:8080",
		UpstreamAddr:     "127.0.0.1:9000",
		ControlPort:      9090,
		ConnectTimeout:   5 * time.Second,
		IdleTimeout:      60 * time.Second,
		StallTimeout:     30 * time.Second,
		MinLingerTimeout: 2 * time.Second,
		MaxLingerTimeout: 120 * time.Second,
	}
}

func clampDuration(d, min, max, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// Normalize fills zero durations with defaults and clamps linger bounds.
func (c *ServerConfig) Normalize() {
	def := DefaultServerConfig()
	c.ConnectTimeout = clampDuration(c.ConnectTimeout, 100*time.Millisecond, time.Minute, def.ConnectTimeout)
	c.IdleTimeout = clampDuration(c.IdleTimeout, time.Second, time.Hour, def.IdleTimeout)
	c.StallTimeout = clampDuration(c.StallTimeout, time.Second, time.Hour, def.StallTimeout)
	c.MinLingerTimeout = clampDuration(c.MinLingerTimeout, 2*time.Second, 120*time.Second, def.MinLingerTimeout)
	c.MaxLingerTimeout = clampDuration(c.MaxLingerTimeout, 2*time.Second, 120*time.Second, def.MaxLingerTimeout)
	if c.MaxLingerTimeout < c.MinLingerTimeout {
		c.MaxLingerTimeout = c.MinLingerTimeout
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.UpstreamAddr == "" {
		c.UpstreamAddr = def.UpstreamAddr
	}
	if c.ControlPort == 0 {
		c.ControlPort = def.ControlPort
	}
}

func clampRate(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > MaxRate {
		return MaxRate
	}
	return r
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Validate clamps all knobs to their limits.
func Validate(p DirectionalProfile) DirectionalProfile {
	p.LatencyMs = minU32(p.LatencyMs, MaxLatencyMs)
	p.JitterMs = minU32(p.JitterMs, MaxJitterMs)
	p.ThrottleKbps = minU32(p.ThrottleKbps, MaxThrottleKbps)
	p.DropRate = clampRate(p.DropRate)
	p.StallProb = clampRate(p.StallProb)
	p.CorruptRate = clampRate(p.CorruptRate)
	p.ReorderRate = clampRate(p.ReorderRate)
	p.HalfCloseRate = clampRate(p.HalfCloseRate)
	return p
}

// Manager is the profile store. Reads are frequent (every session start
// snapshots a profile); writes come from the control API and from applying
// the config file's profiles.
type Manager struct {
	mu       sync.RWMutex
	profiles map[string]AnomalyProfile

	nextVersion atomic.Uint32
	limiter     *ratelimit.Window

	server ServerConfig
}

func NewManager(server ServerConfig) *Manager {
	server.Normalize()
	m := &Manager{
		profiles: make(map[string]AnomalyProfile),
		limiter:  ratelimit.NewWindow(ConfigUpdateRateLimit, time.Second),
		server:   server,
	}
	m.nextVersion.Store(1)
	return m
}

// GetProfile returns the named profile by value. A missing name yields the
// zero profile: no faults.
func (m *Manager) GetProfile(name string) AnomalyProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profiles[name]
}

// SetProfile clamps, versions and stores the profile, returning the new
// version. Versions are strictly monotone across all sets.
func (m *Manager) SetProfile(name string, p AnomalyProfile) uint32 {
	p.ClientToServer = Validate(p.ClientToServer)
	p.ServerToClient = Validate(p.ServerToClient)
	p.Version = m.nextVersion.Add(1) - 1

	m.mu.Lock()
	m.profiles[name] = p
	m.mu.Unlock()
	return p.Version
}

// DeleteProfile removes the named profile.
func (m *Manager) DeleteProfile(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[name]; !ok {
		return false
	}
	delete(m.profiles, name)
	return true
}

// ProfileNames lists the stored profile names.
func (m *Manager) ProfileNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		names = append(names, name)
	}
	return names
}

// CheckRateLimit consumes one mutation slot; callers must reject the
// operation when it returns false.
func (m *Manager) CheckRateLimit() bool {
	return m.limiter.Allow()
}

// Server returns the process configuration by value.
func (m *Manager) Server() ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.server
}

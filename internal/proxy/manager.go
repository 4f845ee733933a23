package proxy

import (
	"math/rand"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarthakuwar/ShakyLine/internal/anomaly"
	"github.com/sarthakuwar/ShakyLine/internal/config"
	"github.com/sarthakuwar/ShakyLine/internal/logging"
	"github.com/sarthakuwar/ShakyLine/internal/metrics"
	"github.com/sarthakuwar/ShakyLine/internal/sched"
	"github.com/sarthakuwar/ShakyLine/internal/sock"
)

// Manager owns every live session. Admission is gated before a session
// object exists; above the soft limit admission turns probabilistic, and at
// the hard limit the oldest idle session is shed to make room.
type Manager struct {
	scheduler *sched.Scheduler
	engine    *anomaly.Engine
	config    *config.Manager
	metrics   *metrics.Registry
	logger    *logging.Logger

	mu       sync.Mutex
	sessions map[uint64]*Session
	upstream string

	nextID atomic.Uint64

	rndMu sync.Mutex
	rnd   *rand.Rand

	maxSessions int
	softLimit   int
}

// NewManager wires the shared collaborators. Admission randomness is
// non-cryptographic; it only spreads load shedding.
func NewManager(scheduler *sched.Scheduler, engine *anomaly.Engine, cfg *config.Manager, reg *metrics.Registry, logger *logging.Logger) *Manager {
	m := &Manager{
		scheduler:   scheduler,
		engine:      engine,
		config:      cfg,
		metrics:     reg,
		logger:      logger,
		sessions:    make(map[uint64]*Session),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		maxSessions: config.MaxSessions,
		softLimit:   config.MaxSessions * config.SoftLimitPercent / 100,
	}
	m.nextID.Store(1)
	return m
}

// SetUpstream fixes the upstream endpoint sessions dial.
func (m *Manager) SetUpstream(addr string) {
	m.mu.Lock()
	m.upstream = addr
	m.mu.Unlock()
}

// CreateSession admits, constructs and starts a session for an accepted
// client connection. Returns nil when admission denies the connection; no
// session object is constructed in that case.
func (m *Manager) CreateSession(clientConn net.Conn) *Session {
	if !m.tryAdmit() {
		m.metrics.AdmissionDenied.Inc()
		m.logger.Warnf(0, 0, "admission_denied", "", "")
		return nil
	}

	id := m.nextID.Add(1) - 1
	s := newSession(m, id, sock.New(clientConn))

	m.mu.Lock()
	m.sessions[id] = s
	upstream := m.upstream
	m.mu.Unlock()

	m.metrics.SessionsTotal.Inc()
	m.metrics.ActiveSessions.Inc()

	go s.Start(upstream)
	return s
}

func (m *Manager) removeSession(id uint64) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// GetSession looks up a session by id.
func (m *Manager) GetSession(id uint64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionIDs lists live session ids in ascending order.
func (m *Manager) SessionIDs() []uint64 {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ShutdownAll broadcasts a graceful shutdown to every session.
func (m *Manager) ShutdownAll() {
	for _, s := range m.snapshot() {
		s.InitiateShutdown()
	}
}

// ForceCloseAll resets every session.
func (m *Manager) ForceCloseAll() {
	for _, s := range m.snapshot() {
		s.ForceClose()
	}
}

func (m *Manager) tryAdmit() bool {
	count := m.Count()
	if count < m.softLimit {
		return true
	}
	if count >= m.maxSessions {
		m.shedOldestIdle()
		return m.Count() < m.maxSessions
	}
	return m.rollFloat() < admitProbability(count, m.softLimit, m.maxSessions)
}

// admitProbability decays linearly from 1 at the soft limit to 0 at the
// hard limit.
func admitProbability(count, soft, max int) float64 {
	return 1 - float64(count-soft)/float64(max-soft)
}

func (m *Manager) rollFloat() float64 {
	m.rndMu.Lock()
	defer m.rndMu.Unlock()
	return m.rnd.Float64()
}

func (m *Manager) findOldestIdle() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Session
	var maxIdle time.Duration
	for _, s := range m.sessions {
		if idle := s.IdleTime(); idle > maxIdle || oldest == nil {
			maxIdle = idle
			oldest = s
		}
	}
	return oldest
}

func (m *Manager) shedOldestIdle() {
	oldest := m.findOldestIdle()
	if oldest == nil {
		return
	}
	m.logger.Infof(oldest.ID(), 0, "session_shed", "", "reason=admission")
	m.metrics.SessionsShed.Inc()
	oldest.ForceClose()
}

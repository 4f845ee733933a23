package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarthakuwar/ShakyLine/internal/anomaly"
	"github.com/sarthakuwar/ShakyLine/internal/config"
	"github.com/sarthakuwar/ShakyLine/internal/logging"
	"github.com/sarthakuwar/ShakyLine/internal/metrics"
	"github.com/sarthakuwar/ShakyLine/internal/sched"
	"github.com/sarthakuwar/ShakyLine/internal/sock"
)

func newBareManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.NewManager(config.DefaultServerConfig())
	return NewManager(sched.New(), anomaly.NewEngine(1), cfg, metrics.New(), logging.New(logging.Error))
}

// stubSession builds a session that never dials; good enough for admission
// and shedding, and ForceClose works against the pipe transport.
func stubSession(t *testing.T, m *Manager, id uint64, idle time.Duration) *Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	s := newSession(m, id, sock.New(a))
	s.cfg = m.config.Server()
	s.lastActivity.Store(time.Now().Add(-idle).UnixNano())
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

func TestAdmitProbabilityBounds(t *testing.T) {
	const soft, max = 9000, 10000
	assert.Equal(t, 1.0, admitProbability(soft, soft, max))
	assert.Equal(t, 0.0, admitProbability(max, soft, max))
	assert.InDelta(t, 0.5, admitProbability(9500, soft, max), 1e-9)

	// Monotone decreasing across the band.
	prev := 1.1
	for n := soft; n <= max; n += 100 {
		p := admitProbability(n, soft, max)
		assert.Less(t, p, prev)
		prev = p
	}
}

func TestAdmitBelowSoftLimit(t *testing.T) {
	m := newBareManager(t)
	m.softLimit = 9
	m.maxSessions = 10
	for i := 0; i < 8; i++ {
		stubSession(t, m, uint64(i+1), 0)
	}
	assert.True(t, m.tryAdmit())
}

func TestHardLimitShedsOldestIdle(t *testing.T) {
	m := newBareManager(t)
	m.softLimit = 3
	m.maxSessions = 4

	stubSession(t, m, 1, 5*time.Second)
	stubSession(t, m, 2, 30*time.Second) // oldest idle
	stubSession(t, m, 3, time.Second)
	stubSession(t, m, 4, 10*time.Second)

	require.Equal(t, 4, m.Count())
	assert.True(t, m.tryAdmit(), "shedding must make room at the hard limit")
	assert.Equal(t, 3, m.Count())
	assert.Nil(t, m.GetSession(2), "the most idle session is the one shed")
}

func TestHardLimitWithNothingToShed(t *testing.T) {
	m := newBareManager(t)
	m.softLimit = 0
	m.maxSessions = 0
	assert.False(t, m.tryAdmit())
}

func TestProbabilisticBandRoughlyHonored(t *testing.T) {
	m := newBareManager(t)
	m.softLimit = 900
	m.maxSessions = 1000

	// Midpoint of the band: admit with p = 0.5. Only Count matters here.
	m.mu.Lock()
	for i := 0; i < 950; i++ {
		m.sessions[uint64(i+1)] = nil
	}
	m.mu.Unlock()

	admitted := 0
	const trials = 400
	for i := 0; i < trials; i++ {
		if m.tryAdmit() {
			admitted++
		}
	}
	frac := float64(admitted) / trials
	assert.Greater(t, frac, 0.25, "admission rate collapsed below the band")
	assert.Less(t, frac, 0.75, "admission rate ignores the band")
}

func TestRemoveSessionDropsMapEntry(t *testing.T) {
	m := newBareManager(t)
	s := stubSession(t, m, 7, 0)
	s.ForceClose()
	assert.Nil(t, m.GetSession(7))
	assert.Equal(t, 0, m.Count())
	assert.True(t, s.Closed())
}

func TestForceCloseAllEmptiesManager(t *testing.T) {
	m := newBareManager(t)
	for i := 0; i < 5; i++ {
		stubSession(t, m, uint64(i+1), 0)
	}
	m.ForceCloseAll()
	assert.Equal(t, 0, m.Count())
}

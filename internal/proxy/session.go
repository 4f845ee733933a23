package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarthakuwar/ShakyLine/internal/anomaly"
	"github.com/sarthakuwar/ShakyLine/internal/buffer"
	"github.com/sarthakuwar/ShakyLine/internal/config"
	"github.com/sarthakuwar/ShakyLine/internal/delayqueue"
	"github.com/sarthakuwar/ShakyLine/internal/ratelimit"
	"github.com/sarthakuwar/ShakyLine/internal/sched"
	"github.com/sarthakuwar/ShakyLine/internal/sock"
)

// UpstreamState tracks the one-shot upstream connect.
type UpstreamState int

const (
	UpstreamConnecting UpstreamState = iota
	UpstreamConnected
	UpstreamFailed
)

const readChunk = 32 * 1024

// flow is one direction of the pipeline: bytes read from src are decided,
// possibly delayed, buffered and written to dst.
type flow struct {
	dir anomaly.Direction
	src *sock.Socket
	dst *sock.Socket

	buf     *buffer.Buffer
	delayq  *delayqueue.Queue
	pending []byte // overflow that did not fit buf; retried after drain
	seq     uint64

	readOpen        bool
	writeOpen       bool
	readPaused      bool
	stalled         bool
	writeInProgress bool

	throttle *ratelimit.Bucket
	wscratch []byte
}

// Session ferries bytes between one client and one upstream connection,
// perturbing each direction per the snapshot profile. A single mutex
// serializes every event handler; nothing touches session state without it.
type Session struct {
	id      uint64
	manager *Manager

	mu   sync.Mutex
	cond *sync.Cond

	clientSock *sock.Socket
	serverSock *sock.Socket

	c2s *flow
	s2c *flow

	profile        config.AnomalyProfile
	profileVersion uint32
	cfg            config.ServerConfig

	upstream    UpstreamState
	forceClosed bool
	removed     bool
	closedFlag  atomic.Bool

	connectTimer sched.TimerID
	idleTimer    sched.TimerID
	stallTimer   sched.TimerID
	delayTimer   sched.TimerID
	lingerTimer  sched.TimerID

	dialCancel context.CancelFunc

	startTime    time.Time
	lastActivity atomic.Int64 // unix nanos
}

func newSession(m *Manager, id uint64, clientSock *sock.Socket) *Session {
	s := &Session{
		id:         id,
		manager:    m,
		clientSock: clientSock,
		startTime:  time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.lastActivity.Store(s.startTime.UnixNano())
	s.c2s = &flow{
		dir:       anomaly.ClientToServer,
		src:       clientSock,
		buf:       buffer.New(),
		delayq:    delayqueue.New(),
		readOpen:  true,
		writeOpen: true,
	}
	s.s2c = &flow{
		dir:       anomaly.ServerToClient,
		dst:       clientSock,
		buf:       buffer.New(),
		delayq:    delayqueue.New(),
		readOpen:  true,
		writeOpen: true,
	}
	m.logger.Infof(id, 0, "session_created", "", "")
	return s
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// IdleTime reports how long the session has been without I/O.
func (s *Session) IdleTime() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Closed reports whether the session tore down.
func (s *Session) Closed() bool { return s.closedFlag.Load() }

func (s *Session) alive() bool { return !s.closedFlag.Load() }

// Start snapshots the profile, arms the connect timeout and dials the
// upstream. It runs once, posted by the manager after construction.
func (s *Session) Start(upstreamAddr string) {
	s.mu.Lock()
	if s.forceClosed {
		s.mu.Unlock()
		return
	}
	prof := s.manager.config.GetProfile("default")
	s.profile = prof
	s.profileVersion = prof.Version
	s.cfg = s.manager.config.Server()

	s.clientSock.SetNoDelay(true)
	s.upstream = UpstreamConnecting
	s.connectTimer = s.manager.scheduler.ScheduleGuarded(s.cfg.ConnectTimeout, s.alive, s.onConnectTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	s.mu.Unlock()

	s.manager.logger.Debugf(s.id, 0, "connecting_upstream", "", "addr="+upstreamAddr)

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", upstreamAddr)
		s.onConnectComplete(conn, err)
	}()
}

func (s *Session) onConnectComplete(conn net.Conn, err error) {
	s.mu.Lock()
	if s.connectTimer != 0 {
		s.manager.scheduler.Cancel(s.connectTimer)
		s.connectTimer = 0
	}
	if s.forceClosed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.manager.logger.Warnf(s.id, 0, "connect_failed", "", "error="+err.Error())
		s.manager.metrics.ConnectFailures.Inc()
		s.upstream = UpstreamFailed
		s.forceCloseLocked()
		s.mu.Unlock()
		return
	}

	s.upstream = UpstreamConnected
	s.serverSock = sock.New(conn)
	s.serverSock.SetNoDelay(true)
	s.c2s.dst = s.serverSock
	s.s2c.src = s.serverSock
	s.resetIdleTimerLocked()
	s.mu.Unlock()

	s.manager.logger.Infof(s.id, 0, "upstream_connected", "", "")

	go s.readLoop(s.c2s)
	go s.readLoop(s.s2c)
}

func (s *Session) onConnectTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectTimer = 0
	if s.forceClosed {
		return
	}
	s.manager.logger.Warnf(s.id, 0, "connect_timeout", "", "")
	s.manager.metrics.ConnectFailures.Inc()
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.forceCloseLocked()
}

// readLoop is the per-direction reader. It blocks in Read between events;
// backpressure and stalls park it on the condition variable.
func (s *Session) readLoop(f *flow) {
	scratch := make([]byte, readChunk)
	for {
		s.mu.Lock()
		for f.readPaused && f.readOpen && !s.forceClosed {
			s.cond.Wait()
		}
		if !f.readOpen || s.forceClosed {
			s.mu.Unlock()
			return
		}
		src := f.src
		s.mu.Unlock()

		n, err := src.Read(scratch)

		s.mu.Lock()
		if s.forceClosed || !f.readOpen {
			s.mu.Unlock()
			return
		}
		if n > 0 {
			s.recordActivityLocked()
			f.seq++
			s.processDataLocked(f, scratch[:n])
			if len(f.pending) > 0 || f.buf.ShouldPauseReading() {
				f.readPaused = true
			}
		}
		if err != nil {
			switch {
			case sock.IsPeerClosed(err):
				s.manager.logger.Debugf(s.id, f.seq, "peer_eof", f.dir.String(), "")
				s.closeReadLocked(f)
			case sock.IsCancelled(err):
				// teardown already in progress
			default:
				s.manager.logger.Warnf(s.id, f.seq, "read_error", f.dir.String(), "error="+err.Error())
				s.forceCloseLocked()
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// processDataLocked runs the Decide→Act steps for one packet.
func (s *Session) processDataLocked(f *flow, data []byte) {
	m := s.manager
	decision := m.engine.Decide(data, f.dir, s.id, f.seq, s.profile)

	switch decision.Action {
	case anomaly.Drop:
		m.logger.Infof(s.id, f.seq, "drop", f.dir.String(), fmt.Sprintf("bytes=%d", len(data)))
		m.metrics.PacketsDropped.Inc()
		return

	case anomaly.HalfClose:
		m.logger.Infof(s.id, f.seq, "half_close", f.dir.String(), "")
		m.metrics.HalfCloseEvents.Inc()
		s.closeWriteLocked(f)
		return

	case anomaly.Stall:
		m.logger.Infof(s.id, f.seq, "stall", f.dir.String(), "")
		m.metrics.StallEvents.Inc()
		f.readPaused = true
		f.stalled = true
		s.armStallTimerLocked()
		return

	case anomaly.Corrupt:
		anomaly.ApplyCorruption(data, decision.CorruptOffset, decision.CorruptMask)
		m.logger.Debugf(s.id, f.seq, "corrupt", f.dir.String(),
			fmt.Sprintf("offset=%d mask=%#02x", decision.CorruptOffset, decision.CorruptMask))
	}

	now := time.Now()
	delay := time.Duration(decision.DelayMs) * time.Millisecond
	if decision.DelayMs > 0 {
		m.logger.Debugf(s.id, f.seq, "delay", f.dir.String(), fmt.Sprintf("ms=%d", decision.DelayMs))
		m.metrics.PacketsDelayed.Inc()
		m.metrics.LatencyInjectedMs.Observe(float64(decision.DelayMs))
	}
	if decision.ThrottleBytesPerSec > 0 {
		if f.throttle == nil {
			f.throttle = ratelimit.NewBucket(decision.ThrottleBytesPerSec)
		} else {
			f.throttle.Reconfigure(decision.ThrottleBytesPerSec)
		}
		if pace := f.throttle.Take(len(data), now); pace > 0 {
			m.metrics.PacketsThrottled.Inc()
			if pace > delay {
				delay = pace
			}
		}
	}

	if delay > 0 {
		payload := append([]byte(nil), data...)
		f.delayq.Push(payload, now.Add(delay), f.seq, s.profileVersion, uint8(f.dir))
		if s.delayTimer == 0 {
			s.scheduleDelayFlushLocked()
		}
		return
	}

	s.enqueueOutLocked(f, data)
	s.startWriteLocked(f)
}

// enqueueOutLocked moves decided bytes toward the destination buffer,
// stashing whatever does not fit for retry after the next write completes.
func (s *Session) enqueueOutLocked(f *flow, data []byte) {
	if !f.writeOpen || len(data) == 0 {
		return
	}
	if f.dir == anomaly.ClientToServer {
		s.manager.metrics.BytesUpstream.Add(float64(len(data)))
	} else {
		s.manager.metrics.BytesDownstream.Add(float64(len(data)))
	}
	if len(f.pending) > 0 {
		f.pending = append(f.pending, data...)
		return
	}
	n := f.buf.Append(data)
	if n < len(data) {
		f.pending = append(f.pending, data[n:]...)
	}
}

func (s *Session) drainPendingLocked(f *flow) {
	if len(f.pending) == 0 {
		return
	}
	n := f.buf.Append(f.pending)
	f.pending = f.pending[:copy(f.pending, f.pending[n:])]
	if len(f.pending) == 0 {
		f.pending = nil
	}
}

// scheduleDelayFlushLocked arms a single timer at the earliest release
// across both queues. Flows with a backed-up overflow stash are skipped;
// the write-completion path resumes their drain.
func (s *Session) scheduleDelayFlushLocked() {
	var next time.Time
	have := false
	for _, f := range [...]*flow{s.c2s, s.s2c} {
		if len(f.pending) > 0 {
			continue
		}
		if t, ok := f.delayq.NextReleaseTime(); ok && (!have || t.Before(next)) {
			next = t
			have = true
		}
	}
	if !have {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	s.delayTimer = s.manager.scheduler.ScheduleGuarded(d, s.alive, s.onDelayExpired)
}

func (s *Session) onDelayExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayTimer = 0
	if s.forceClosed {
		return
	}
	s.flushReadyLocked(s.c2s)
	s.flushReadyLocked(s.s2c)
	s.scheduleDelayFlushLocked()
}

// flushReadyLocked drains due packets, in release order, into the flow's
// buffer and kicks the writer.
func (s *Session) flushReadyLocked(f *flow) {
	if !f.writeOpen {
		f.delayq.Clear()
		f.pending = nil
		return
	}
	now := time.Now()
	for len(f.pending) == 0 {
		pkt, ok := f.delayq.PopReady(now)
		if !ok {
			break
		}
		s.enqueueOutLocked(f, pkt.Payload)
	}
	if f.buf.Readable() > 0 {
		s.startWriteLocked(f)
	} else {
		s.maybeCloseWriteLocked(f)
	}
}

// startWriteLocked issues a single in-flight write of the current readable
// region. writeInProgress serializes writers per direction.
func (s *Session) startWriteLocked(f *flow) {
	if !f.writeOpen || f.writeInProgress || f.buf.Empty() || f.dst == nil {
		return
	}
	f.writeInProgress = true
	f.wscratch = append(f.wscratch[:0], f.buf.Peek()...)
	go s.doWrite(f, f.wscratch)
}

func (s *Session) doWrite(f *flow, data []byte) {
	_, err := f.dst.Write(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	f.writeInProgress = false
	if s.forceClosed {
		return
	}
	if err != nil {
		if !sock.IsCancelled(err) {
			s.manager.logger.Warnf(s.id, 0, "write_error", f.dir.String(), "error="+err.Error())
		}
		s.closeWriteLocked(f)
		return
	}

	s.recordActivityLocked()
	f.buf.Consume(len(data))
	s.manager.metrics.BufferOccupancy.Observe(float64(f.buf.Readable()))

	s.drainPendingLocked(f)
	if len(f.pending) == 0 {
		s.flushDueLocked(f)
	}

	if f.readPaused && !f.stalled && len(f.pending) == 0 && f.buf.ShouldResumeReading() {
		f.readPaused = false
		s.cond.Broadcast()
	}

	if f.buf.Readable() > 0 {
		s.startWriteLocked(f)
	} else {
		s.maybeCloseWriteLocked(f)
	}
}

// flushDueLocked pops already-due delayed packets and arms the delay timer
// only when none is armed; used on the write-completion path so a stalled
// drain resumes promptly.
func (s *Session) flushDueLocked(f *flow) {
	if !f.writeOpen {
		return
	}
	now := time.Now()
	for len(f.pending) == 0 && f.delayq.HasReady(now) {
		pkt, _ := f.delayq.PopReady(now)
		s.enqueueOutLocked(f, pkt.Payload)
	}
	if s.delayTimer == 0 {
		s.scheduleDelayFlushLocked()
	}
}

// maybeCloseWriteLocked propagates FIN once the paired read side has ended
// and everything queued for this direction has drained.
func (s *Session) maybeCloseWriteLocked(f *flow) {
	if !f.writeOpen || f.readOpen || f.writeInProgress {
		return
	}
	if !f.buf.Empty() || len(f.pending) > 0 || f.delayq.Len() > 0 {
		return
	}
	s.closeWriteLocked(f)
}

func (s *Session) closeReadLocked(f *flow) {
	if !f.readOpen {
		return
	}
	f.readOpen = false
	if f.src != nil {
		f.src.ShutdownRead()
	}
	s.cond.Broadcast()
	s.maybeCloseWriteLocked(f)
	s.checkFullyClosedLocked()
}

func (s *Session) closeWriteLocked(f *flow) {
	if !f.writeOpen {
		return
	}
	f.writeOpen = false
	if f.dst != nil {
		f.dst.ShutdownWrite()
	}
	s.checkFullyClosedLocked()
}

func (s *Session) fullyClosedLocked() bool {
	return !s.c2s.readOpen && !s.c2s.writeOpen && !s.s2c.readOpen && !s.s2c.writeOpen
}

func (s *Session) checkFullyClosedLocked() {
	if !s.fullyClosedLocked() {
		return
	}
	s.manager.logger.Debugf(s.id, 0, "fully_closed", "", "")
	s.finalizeLocked()
}

// finalizeLocked deregisters exactly once and releases timers.
func (s *Session) finalizeLocked() {
	if s.removed {
		return
	}
	s.removed = true
	s.closedFlag.Store(true)
	s.cancelTimersLocked()
	if s.dialCancel != nil {
		s.dialCancel()
	}
	if s.clientSock != nil {
		s.clientSock.Close()
	}
	if s.serverSock != nil {
		s.serverSock.Close()
	}

	lifetime := time.Since(s.startTime)
	s.manager.metrics.SessionLifetime.Observe(lifetime.Seconds())
	s.manager.metrics.ActiveSessions.Dec()
	s.manager.logger.Infof(s.id, 0, "session_destroyed", "",
		fmt.Sprintf("lifetime_s=%d", int64(lifetime.Seconds())))
	s.manager.removeSession(s.id)
	s.cond.Broadcast()
}

func (s *Session) cancelTimersLocked() {
	sc := s.manager.scheduler
	for _, id := range [...]*sched.TimerID{&s.connectTimer, &s.idleTimer, &s.stallTimer, &s.delayTimer, &s.lingerTimer} {
		if *id != 0 {
			sc.Cancel(*id)
			*id = 0
		}
	}
}

// InitiateShutdown stops both read sides and lets buffered and delayed
// bytes drain, bounded by the linger timeout.
func (s *Session) InitiateShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiateShutdownLocked()
}

func (s *Session) initiateShutdownLocked() {
	if s.forceClosed || s.removed {
		return
	}
	s.manager.logger.Infof(s.id, 0, "shutdown_initiated", "", "")

	s.c2s.readOpen = false
	s.s2c.readOpen = false
	s.clientSock.ShutdownRead()
	if s.serverSock != nil {
		s.serverSock.ShutdownRead()
	}
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.cond.Broadcast()

	s.maybeCloseWriteLocked(s.c2s)
	s.maybeCloseWriteLocked(s.s2c)
	s.checkFullyClosedLocked()

	if !s.removed && s.lingerTimer == 0 {
		s.lingerTimer = s.manager.scheduler.ScheduleGuarded(s.cfg.MaxLingerTimeout, s.alive, s.onLingerTimeout)
	}
}

func (s *Session) onLingerTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lingerTimer = 0
	if s.forceClosed || s.removed {
		return
	}
	s.manager.logger.Warnf(s.id, 0, "linger_timeout", "", "")
	s.forceCloseLocked()
}

// ForceClose tears the session down abortively: all four channel sides are
// closed and both transports are reset.
func (s *Session) ForceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceCloseLocked()
}

func (s *Session) forceCloseLocked() {
	if s.forceClosed {
		return
	}
	s.forceClosed = true
	s.manager.logger.Infof(s.id, 0, "force_close", "", "")

	s.c2s.readOpen = false
	s.c2s.writeOpen = false
	s.s2c.readOpen = false
	s.s2c.writeOpen = false
	s.c2s.delayq.Clear()
	s.s2c.delayq.Clear()
	s.c2s.pending = nil
	s.s2c.pending = nil

	if s.clientSock != nil {
		s.clientSock.ForceReset()
	}
	if s.serverSock != nil {
		s.serverSock.ForceReset()
	}
	s.finalizeLocked()
}

func (s *Session) armStallTimerLocked() {
	if s.stallTimer != 0 {
		return
	}
	s.stallTimer = s.manager.scheduler.ScheduleGuarded(s.cfg.StallTimeout, s.alive, s.onStallTimeout)
}

func (s *Session) onStallTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallTimer = 0
	if s.forceClosed {
		return
	}
	s.manager.logger.Warnf(s.id, 0, "stall_timeout", "", "")
	s.forceCloseLocked()
}

func (s *Session) resetIdleTimerLocked() {
	if s.idleTimer != 0 {
		s.manager.scheduler.Cancel(s.idleTimer)
	}
	s.idleTimer = s.manager.scheduler.ScheduleGuarded(s.cfg.IdleTimeout, s.alive, s.onIdleTimeout)
}

func (s *Session) onIdleTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleTimer = 0
	if s.forceClosed || s.removed {
		return
	}
	s.manager.logger.Infof(s.id, 0, "idle_timeout", "", "")
	s.initiateShutdownLocked()
}

func (s *Session) recordActivityLocked() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.resetIdleTimerLocked()
}

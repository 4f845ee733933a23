package proxy

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sarthakuwar/ShakyLine/internal/logging"
	"github.com/sarthakuwar/ShakyLine/internal/sock"
)

// Server accepts client connections and hands them to the manager. Stopping
// the server only stops the acceptor; live sessions drain independently.
type Server struct {
	manager *Manager
	logger  *logging.Logger

	listenAddr   string
	upstreamAddr string

	ln      net.Listener
	running atomic.Bool
}

func NewServer(manager *Manager, logger *logging.Logger, listenAddr, upstreamAddr string) *Server {
	return &Server{
		manager:      manager,
		logger:       logger,
		listenAddr:   listenAddr,
		upstreamAddr: upstreamAddr,
	}
}

// Start binds the listener and begins accepting.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("bind %s: %w", s.listenAddr, err)
	}
	s.ln = ln
	s.manager.SetUpstream(s.upstreamAddr)

	s.logger.Infof(0, 0, "server_started", "",
		fmt.Sprintf("listen=%s upstream=%s", ln.Addr(), s.upstreamAddr))

	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if sock.IsCancelled(err) || !s.running.Load() {
				return
			}
			s.logger.Warnf(0, 0, "accept_error", "", "error="+err.Error())
			continue
		}
		s.logger.Debugf(0, 0, "connection_accepted", "", "from="+conn.RemoteAddr().String())
		if sess := s.manager.CreateSession(conn); sess == nil {
			conn.Close()
		}
	}
}

// Stop cancels the acceptor without touching existing sessions.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.logger.Infof(0, 0, "server_stopped", "", "")
}

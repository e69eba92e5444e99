package transport

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"fabstream/internal/metrics"
	"fabstream/pkg/channel"
	"fabstream/pkg/config"
	"fabstream/pkg/dispatch"
	"fabstream/pkg/eventloop"
	"fabstream/pkg/fabric"
	"fabstream/pkg/packet"
	"fabstream/pkg/status"
)

// ServerConn is one accepted connection: its endpoint, channel, and
// per-connection dispatcher.
type ServerConn struct {
	ep         fabric.MsgEndpoint
	ch         *channel.Channel
	disp       *dispatch.Dispatcher
	txcq, rxcq fabric.CompletionQueue
	handle     int
}

// Dispatcher returns the connection's request/response layer.
func (sc *ServerConn) Dispatcher() *dispatch.Dispatcher { return sc.disp }

// Channel returns the connection's channel.
func (sc *ServerConn) Channel() *channel.Channel { return sc.ch }

// Close shuts the connection down.
func (sc *ServerConn) Close() {
	_ = sc.ep.Shutdown()
	sc.ch.Close()
}

// ServerCallbacks notify the application of connection lifecycle.
type ServerCallbacks struct {
	// HandleNewConnection fires when a pending connection reaches
	// CONNECTED. Install handlers on conn.Dispatcher() here.
	HandleNewConnection func(conn *ServerConn)
	HandleConnectionClose func(conn *ServerConn, code status.Code)
}

// Server is the passive side: it listens, accepts, and tracks pending
// and active connections.
type Server struct {
	cfg    *config.Config
	prov   fabric.Provider
	logger zerolog.Logger
	m      *metrics.Metrics
	cbs    ServerCallbacks
	guard  *AcceptGuard

	eq   fabric.EventQueue
	pep  fabric.PassiveEndpoint
	loop *eventloop.Loop

	mu      sync.Mutex
	pending map[fabric.MsgEndpoint]*ServerConn
	active  map[fabric.MsgEndpoint]*ServerConn
}

// NewServer prepares a server; Start begins listening.
func NewServer(cfg *config.Config, prov fabric.Provider, cbs ServerCallbacks, logger zerolog.Logger, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New(nil)
	}
	slog := logger.With().Str("component", "server").Logger()
	return &Server{
		cfg:     cfg,
		prov:    prov,
		logger:  slog,
		m:       m,
		cbs:     cbs,
		guard:   NewAcceptGuard(cfg.MaxAcceptsPerSec, cfg.CPURejectThreshold, nil, slog),
		pending: make(map[fabric.MsgEndpoint]*ServerConn),
		active:  make(map[fabric.MsgEndpoint]*ServerConn),
	}
}

// SetSampler plugs a system sampler into the accept guard.
func (s *Server) SetSampler(sampler *metrics.SystemSampler) {
	s.guard = NewAcceptGuard(s.cfg.MaxAcceptsPerSec, s.cfg.CPURejectThreshold, sampler, s.logger)
}

// Start opens the passive endpoint and launches the event loop.
func (s *Server) Start() error {
	var err error
	if s.eq, err = s.prov.OpenEventQueue(); err != nil {
		return fmt.Errorf("opening event queue: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.SrcAddr, s.cfg.SrcPort)
	if s.pep, err = s.prov.NewPassiveEndpoint(addr); err != nil {
		return fmt.Errorf("creating passive endpoint: %w", err)
	}
	if err = s.pep.Bind(s.eq); err != nil {
		return err
	}
	if err = s.pep.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.loop = eventloop.New(s.eq, eventloop.Handlers{
		OnConnectRequest: s.onConnectRequest,
		OnConnected:      s.onConnected,
		OnShutdown:       s.onShutdown,
	}, s.logger, s.m)
	s.loop.Start()
	s.logger.Info().Str("addr", addr).Msg("Server listening")
	return nil
}

// onConnectRequest builds an endpoint on the request's embedded info,
// enables it, and accepts. Resource failures reject the connection
// without ever exposing a channel.
func (s *Server) onConnectRequest(info *fabric.PeerInfo) {
	ep, err := s.prov.NewMsgEndpoint(info)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create endpoint for connect request")
		return
	}
	if !s.guard.Allow() {
		_ = ep.Reject()
		return
	}

	method, _ := fabric.ParseCompMethod(s.cfg.CompMethod)
	txcq, err := s.prov.OpenCompletionQueue(s.cfg.NoBuffers, method)
	if err != nil {
		s.reject(ep, err)
		return
	}
	rxcq, err := s.prov.OpenCompletionQueue(s.cfg.NoBuffers, method)
	if err != nil {
		s.reject(ep, err)
		return
	}
	if err := ep.Bind(s.eq, txcq, rxcq); err != nil {
		s.reject(ep, err)
		return
	}
	if err := ep.Enable(); err != nil {
		s.reject(ep, err)
		return
	}

	conn := &ServerConn{ep: ep, txcq: txcq, rxcq: rxcq}
	conn.ch, err = channel.New(channel.Options{
		SlotCount:       s.cfg.NoBuffers,
		SlotSize:        s.cfg.SlotSize(),
		HWMBytes:        s.cfg.HWMBytes,
		LWMBytes:        s.cfg.LWMBytes,
		HWMEnqueueCount: s.cfg.HWMEnqueueCount,
		Logger:          s.logger,
		Metrics:         s.m,
	}, s.prov, channel.Callbacks{
		OnNewPacket: func(p *packet.Incoming) { conn.disp.OnPacket(p) },
		OnClose: func(code status.Code) {
			if s.cbs.HandleConnectionClose != nil {
				s.cbs.HandleConnectionClose(conn, code)
			}
		},
	})
	if err != nil {
		// Memory registration failed; the connection never existed as
		// far as the application is concerned.
		s.reject(ep, err)
		return
	}
	conn.disp = dispatch.New(conn.ch, s.logger, s.m)

	s.mu.Lock()
	s.pending[ep] = conn
	s.mu.Unlock()

	if err := ep.Accept(); err != nil {
		s.logger.Error().Err(err).Msg("Accept failed")
		s.mu.Lock()
		delete(s.pending, ep)
		s.mu.Unlock()
	}
}

func (s *Server) reject(ep fabric.MsgEndpoint, err error) {
	s.logger.Error().Err(err).Msg("Rejecting connection: resource allocation failed")
	_ = ep.Reject()
}

// onConnected moves a pending connection to active and announces it.
func (s *Server) onConnected(ep fabric.MsgEndpoint) {
	s.mu.Lock()
	conn, ok := s.pending[ep]
	if ok {
		delete(s.pending, ep)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := conn.ch.Start(&msgPoster{ep: conn.ep, ch: conn.ch}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to start channel on accept")
		_ = conn.ep.Shutdown()
		return
	}
	conn.handle = s.loop.AddSession(conn.ch, conn.txcq, conn.rxcq)

	s.mu.Lock()
	s.active[ep] = conn
	s.mu.Unlock()

	if s.cbs.HandleNewConnection != nil {
		s.cbs.HandleNewConnection(conn)
	}
}

// onShutdown releases an active connection.
func (s *Server) onShutdown(ep fabric.MsgEndpoint) {
	s.mu.Lock()
	conn, ok := s.active[ep]
	if ok {
		delete(s.active, ep)
	} else {
		delete(s.pending, ep)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.loop.RemoveSession(conn.handle)
	conn.ch.Close()
}

// ActiveConnections returns the number of established connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stop closes the listener and the loop; active channels are closed.
func (s *Server) Stop() {
	if s.pep != nil {
		_ = s.pep.Close()
	}
	s.mu.Lock()
	conns := make([]*ServerConn, 0, len(s.active))
	for _, c := range s.active {
		conns = append(conns, c)
	}
	s.active = make(map[fabric.MsgEndpoint]*ServerConn)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	if s.loop != nil {
		s.loop.Stop()
	}
}

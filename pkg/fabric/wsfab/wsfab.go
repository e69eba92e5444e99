// Package wsfab backs MSG endpoints with WebSocket connections. Each
// endpoint is one connection; binary frames map one-to-one onto posted
// sends, and CM events are synthesized from dial, upgrade, and close.
//
// The provider exists for deployments without fabric hardware: it
// keeps the channel/credit machinery identical while the wire is a
// commodity socket.
package wsfab

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fabstream/pkg/fabric"
)

// DefaultMaxMsgSize caps per-slot buffers on a wsfab provider.
const DefaultMaxMsgSize = 1 << 20

const handshakeTimeout = 10 * time.Second

// acceptedMsg is the one-byte ack the accepting side sends to finish
// the CM handshake.
var acceptedMsg = []byte{0x01}

// Provider implements fabric.Provider over WebSocket transports.
type Provider struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// New builds a WebSocket fabric provider.
func New(logger zerolog.Logger) *Provider {
	return &Provider{
		logger: logger.With().Str("component", "wsfab").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The provider is an internal transport, not a browser
			// surface; origin checks belong to the deployment proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

func (p *Provider) Name() string    { return "wsfab" }
func (p *Provider) MaxMsgSize() int { return DefaultMaxMsgSize }
func (p *Provider) Close() error    { return nil }

func (p *Provider) OpenEventQueue() (fabric.EventQueue, error) {
	return newEventQueue(), nil
}

func (p *Provider) OpenCompletionQueue(size int, method fabric.CompMethod) (fabric.CompletionQueue, error) {
	return newCompQueue(method), nil
}

func (p *Provider) RegisterMemory(region []byte) (fabric.MemoryRegion, error) {
	if len(region) == 0 {
		return nil, errors.New("wsfab: empty region")
	}
	return nopRegion{}, nil
}

func (p *Provider) NewPassiveEndpoint(bindAddr string) (fabric.PassiveEndpoint, error) {
	return &passiveEndpoint{prov: p, addr: bindAddr}, nil
}

func (p *Provider) NewMsgEndpoint(info *fabric.PeerInfo) (fabric.MsgEndpoint, error) {
	ep := &msgEndpoint{prov: p}
	if info != nil {
		conn, ok := info.Internal.(*websocket.Conn)
		if !ok {
			return nil, errors.New("wsfab: foreign peer info")
		}
		ep.conn = conn
		ep.accepting = true
	}
	return ep, nil
}

func (p *Provider) NewRdmEndpoint(string) (fabric.RdmEndpoint, error) {
	return nil, errors.New("wsfab: RDM endpoints not supported; use the natsfab provider")
}

func (p *Provider) NewAddressVector() (fabric.AddressVector, error) {
	return nil, errors.New("wsfab: RDM endpoints not supported")
}

type nopRegion struct{}

func (nopRegion) Key() uint64  { return 0 }
func (nopRegion) Close() error { return nil }

// passiveEndpoint runs an HTTP server upgrading connections and
// surfacing them as CONNECT_REQUEST events.
type passiveEndpoint struct {
	prov *Provider
	addr string
	eq   *eventQueue
	srv  *http.Server
}

func (pe *passiveEndpoint) Bind(eq fabric.EventQueue) error {
	q, ok := eq.(*eventQueue)
	if !ok {
		return errors.New("wsfab: foreign event queue")
	}
	pe.eq = q
	return nil
}

func (pe *passiveEndpoint) Listen() error {
	if pe.eq == nil {
		return errors.New("wsfab: listen before bind")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/fabric", func(w http.ResponseWriter, r *http.Request) {
		conn, err := pe.prov.upgrader.Upgrade(w, r, nil)
		if err != nil {
			pe.prov.logger.Error().Err(err).Msg("Upgrade failed")
			return
		}
		pe.eq.push(fabric.Event{
			Type: fabric.EventConnectRequest,
			Info: &fabric.PeerInfo{Addr: r.RemoteAddr, Internal: conn},
		})
	})
	pe.srv = &http.Server{Addr: pe.addr, Handler: mux}
	ln, err := netListen(pe.addr)
	if err != nil {
		return fmt.Errorf("wsfab: listen %s: %w", pe.addr, err)
	}
	go func() {
		if err := pe.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			pe.prov.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	return nil
}

func (pe *passiveEndpoint) Close() error {
	if pe.srv != nil {
		return pe.srv.Close()
	}
	return nil
}

// msgEndpoint is one WebSocket connection with post/completion
// semantics layered on top.
type msgEndpoint struct {
	prov *Provider

	eq         *eventQueue
	txcq, rxcq *compQueue

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	posted    []postedRecv
	backlog   [][]byte
	accepting bool
	enabled   bool
	closed    bool
}

type postedRecv struct {
	buf []byte
	ctx any
}

func (e *msgEndpoint) Bind(eq fabric.EventQueue, txcq, rxcq fabric.CompletionQueue) error {
	q, ok := eq.(*eventQueue)
	if !ok {
		return errors.New("wsfab: foreign event queue")
	}
	tq, ok := txcq.(*compQueue)
	if !ok {
		return errors.New("wsfab: foreign completion queue")
	}
	rq, ok := rxcq.(*compQueue)
	if !ok {
		return errors.New("wsfab: foreign completion queue")
	}
	e.eq, e.txcq, e.rxcq = q, tq, rq
	return nil
}

func (e *msgEndpoint) Enable() error {
	if e.eq == nil {
		return errors.New("wsfab: enable before bind")
	}
	e.enabled = true
	return nil
}

// Connect dials the peer and returns; a background goroutine waits for
// the accept ack, then reports CONNECTED and starts the reader.
func (e *msgEndpoint) Connect(destAddr string) error {
	if !e.enabled {
		return errors.New("wsfab: connect on disabled endpoint")
	}
	url := fmt.Sprintf("ws://%s/fabric", destAddr)
	conn, _, err := e.prov.dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("wsfab: dial %s: %w", url, err)
	}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	go func() {
		// First frame is the CM ack; anything else is a reject.
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_, msg, err := conn.ReadMessage()
		conn.SetReadDeadline(time.Time{})
		if err != nil || len(msg) != 1 || msg[0] != acceptedMsg[0] {
			e.eq.push(fabric.Event{Type: fabric.EventShutdown, Endpoint: e})
			conn.Close()
			return
		}
		e.eq.push(fabric.Event{Type: fabric.EventConnected, Endpoint: e})
		e.readLoop()
	}()
	return nil
}

// Accept sends the ack, starts the reader, and reports CONNECTED.
func (e *msgEndpoint) Accept() error {
	if !e.accepting || e.conn == nil {
		return errors.New("wsfab: accept without a pending request")
	}
	e.writeMu.Lock()
	err := e.conn.WriteMessage(websocket.BinaryMessage, acceptedMsg)
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("wsfab: sending accept: %w", err)
	}
	e.eq.push(fabric.Event{Type: fabric.EventConnected, Endpoint: e})
	go e.readLoop()
	return nil
}

func (e *msgEndpoint) Reject() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

func (e *msgEndpoint) Shutdown() error {
	e.mu.Lock()
	conn := e.conn
	e.closed = true
	e.mu.Unlock()
	if conn != nil {
		e.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		e.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// readLoop turns incoming binary frames into receive completions,
// matching them against posted buffers in FIFO order.
func (e *msgEndpoint) readLoop() {
	for {
		_, msg, err := e.conn.ReadMessage()
		if err != nil {
			e.mu.Lock()
			wasClosed := e.closed
			e.closed = true
			e.mu.Unlock()
			if !wasClosed {
				e.eq.push(fabric.Event{Type: fabric.EventShutdown, Endpoint: e})
			}
			return
		}
		e.mu.Lock()
		if len(e.posted) > 0 {
			recv := e.posted[0]
			e.posted = e.posted[1:]
			copied := copy(recv.buf, msg)
			e.mu.Unlock()
			e.rxcq.push(fabric.Completion{Context: recv.ctx, Bytes: copied})
			continue
		}
		data := make([]byte, len(msg))
		copy(data, msg)
		e.backlog = append(e.backlog, data)
		e.mu.Unlock()
	}
}

func (e *msgEndpoint) PostSend(buf []byte, n int, mr fabric.MemoryRegion, ctx any) error {
	e.mu.Lock()
	if e.closed || e.conn == nil {
		e.mu.Unlock()
		return fabric.ErrClosed
	}
	conn := e.conn
	e.mu.Unlock()

	e.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("wsfab: write: %w", err)
	}
	e.txcq.push(fabric.Completion{Context: ctx, Bytes: n})
	return nil
}

func (e *msgEndpoint) PostRecv(buf []byte, mr fabric.MemoryRegion, ctx any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed && len(e.backlog) == 0 {
		return fabric.ErrClosed
	}
	if len(e.backlog) > 0 {
		msg := e.backlog[0]
		e.backlog = e.backlog[1:]
		copied := copy(buf, msg)
		e.rxcq.push(fabric.Completion{Context: ctx, Bytes: copied})
		return nil
	}
	e.posted = append(e.posted, postedRecv{buf: buf, ctx: ctx})
	return nil
}

func (e *msgEndpoint) Close() error {
	return e.Shutdown()
}

// Package natsfab backs RDM tagged endpoints with NATS subjects. Each
// endpoint address maps to one subject; the 64-bit tag travels in an
// 8-byte big-endian prefix ahead of the frame bytes, and address
// vector handles resolve to peer subjects.
//
// NATS gives the provider exactly what an RDM endpoint promises the
// channel layer: reliable, connectionless, per-subject-ordered
// delivery without any per-peer connection state.
package natsfab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"fabstream/pkg/fabric"
)

// DefaultMaxMsgSize stays under the NATS server's default 1 MiB
// message cap, leaving room for the tag prefix.
const DefaultMaxMsgSize = 1<<20 - 64

// tagPrefixSize is the wire overhead carrying the message tag.
const tagPrefixSize = 8

const subjectPrefix = "fabstream.rdm."

// Config mirrors the connection tuning the transport cares about.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	MaxPingsOut   int
}

// Provider implements fabric.Provider over one NATS connection.
type Provider struct {
	logger zerolog.Logger
	conn   *nats.Conn
}

// New connects to NATS with reconnect and error handlers wired to
// structured logs.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	plog := logger.With().Str("component", "natsfab").Logger()
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			plog.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			plog.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			plog.Error().Err(err).Msg("NATS error")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsfab: connecting to %s: %w", cfg.URL, err)
	}
	return &Provider{logger: plog, conn: conn}, nil
}

func (p *Provider) Name() string    { return "natsfab" }
func (p *Provider) MaxMsgSize() int { return DefaultMaxMsgSize }

func (p *Provider) Close() error {
	p.conn.Close()
	return nil
}

func (p *Provider) OpenEventQueue() (fabric.EventQueue, error) {
	// RDM endpoints have no CM handshake; the queue exists so callers
	// can treat providers uniformly, and never yields an event.
	return &stubEventQueue{}, nil
}

func (p *Provider) OpenCompletionQueue(size int, method fabric.CompMethod) (fabric.CompletionQueue, error) {
	return newCompQueue(method), nil
}

func (p *Provider) RegisterMemory(region []byte) (fabric.MemoryRegion, error) {
	if len(region) == 0 {
		return nil, errors.New("natsfab: empty region")
	}
	return nopRegion{}, nil
}

func (p *Provider) NewPassiveEndpoint(string) (fabric.PassiveEndpoint, error) {
	return nil, errors.New("natsfab: MSG endpoints not supported; use the wsfab provider")
}

func (p *Provider) NewMsgEndpoint(*fabric.PeerInfo) (fabric.MsgEndpoint, error) {
	return nil, errors.New("natsfab: MSG endpoints not supported; use the wsfab provider")
}

func (p *Provider) NewRdmEndpoint(bindAddr string) (fabric.RdmEndpoint, error) {
	return &rdmEndpoint{prov: p, addr: bindAddr}, nil
}

func (p *Provider) NewAddressVector() (fabric.AddressVector, error) {
	return &addressVector{byHandle: make(map[fabric.PeerHandle]string)}, nil
}

type nopRegion struct{}

func (nopRegion) Key() uint64  { return 0 }
func (nopRegion) Close() error { return nil }

type stubEventQueue struct{}

func (*stubEventQueue) Read(timeout time.Duration) (fabric.Event, error) {
	time.Sleep(timeout)
	return fabric.Event{}, fabric.ErrUnavailable
}
func (*stubEventQueue) Close() error { return nil }

type addressVector struct {
	mu       sync.Mutex
	byHandle map[fabric.PeerHandle]string
	next     fabric.PeerHandle
}

func (av *addressVector) Insert(raw []byte) (fabric.PeerHandle, error) {
	av.mu.Lock()
	defer av.mu.Unlock()
	av.next++
	av.byHandle[av.next] = string(raw)
	return av.next, nil
}

func (av *addressVector) lookup(h fabric.PeerHandle) (string, bool) {
	av.mu.Lock()
	defer av.mu.Unlock()
	addr, ok := av.byHandle[h]
	return addr, ok
}

type taggedRecv struct {
	buf    []byte
	ctx    any
	tag    uint64
	ignore uint64
}

type taggedMsg struct {
	data []byte
	tag  uint64
}

type rdmEndpoint struct {
	prov *Provider
	addr string

	av         *addressVector
	txcq, rxcq *compQueue
	sub        *nats.Subscription

	mu         sync.Mutex
	posted     []taggedRecv
	unexpected []taggedMsg
	closed     bool
}

func (e *rdmEndpoint) Bind(av fabric.AddressVector, txcq, rxcq fabric.CompletionQueue) error {
	a, ok := av.(*addressVector)
	if !ok {
		return errors.New("natsfab: foreign address vector")
	}
	tq, ok := txcq.(*compQueue)
	if !ok {
		return errors.New("natsfab: foreign completion queue")
	}
	rq, ok := rxcq.(*compQueue)
	if !ok {
		return errors.New("natsfab: foreign completion queue")
	}
	e.av, e.txcq, e.rxcq = a, tq, rq
	return nil
}

func (e *rdmEndpoint) Enable() error {
	if e.av == nil {
		return errors.New("natsfab: enable before bind")
	}
	sub, err := e.prov.conn.Subscribe(subjectPrefix+e.addr, e.onMessage)
	if err != nil {
		return fmt.Errorf("natsfab: subscribing: %w", err)
	}
	e.sub = sub
	return nil
}

func (e *rdmEndpoint) RawAddress() []byte { return []byte(e.addr) }

func tagMatches(msgTag, recvTag, ignore uint64) bool {
	return (msgTag^recvTag)&^ignore == 0
}

// onMessage matches an arriving datagram against posted receives;
// unmatched messages wait in the unexpected queue, as tagged fabrics
// do.
func (e *rdmEndpoint) onMessage(msg *nats.Msg) {
	if len(msg.Data) < tagPrefixSize {
		e.prov.logger.Error().Int("len", len(msg.Data)).Msg("Short datagram, dropping")
		return
	}
	tag := binary.BigEndian.Uint64(msg.Data)
	body := msg.Data[tagPrefixSize:]

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for i, r := range e.posted {
		if tagMatches(tag, r.tag, r.ignore) {
			copied := copy(r.buf, body)
			e.posted = append(e.posted[:i], e.posted[i+1:]...)
			e.mu.Unlock()
			e.rxcq.push(fabric.Completion{Context: r.ctx, Tag: tag, Bytes: copied})
			return
		}
	}
	data := make([]byte, len(body))
	copy(data, body)
	e.unexpected = append(e.unexpected, taggedMsg{data: data, tag: tag})
	e.mu.Unlock()
}

func (e *rdmEndpoint) PostTaggedSend(buf []byte, n int, mr fabric.MemoryRegion, dest fabric.PeerHandle, tag uint64, ctx any) error {
	addr, ok := e.av.lookup(dest)
	if !ok {
		return fmt.Errorf("natsfab: unknown peer handle %d", dest)
	}
	data := make([]byte, tagPrefixSize+n)
	binary.BigEndian.PutUint64(data, tag)
	copy(data[tagPrefixSize:], buf[:n])
	if err := e.prov.conn.Publish(subjectPrefix+addr, data); err != nil {
		return fmt.Errorf("natsfab: publish: %w", err)
	}
	e.txcq.push(fabric.Completion{Context: ctx, Tag: tag, Bytes: n})
	return nil
}

func (e *rdmEndpoint) PostTaggedRecv(buf []byte, mr fabric.MemoryRegion, tag, ignore uint64, ctx any) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fabric.ErrClosed
	}
	for i, msg := range e.unexpected {
		if tagMatches(msg.tag, tag, ignore) {
			copied := copy(buf, msg.data)
			e.unexpected = append(e.unexpected[:i], e.unexpected[i+1:]...)
			e.mu.Unlock()
			e.rxcq.push(fabric.Completion{Context: ctx, Tag: msg.tag, Bytes: copied})
			return nil
		}
	}
	e.posted = append(e.posted, taggedRecv{buf: buf, ctx: ctx, tag: tag, ignore: ignore})
	e.mu.Unlock()
	return nil
}

func (e *rdmEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if e.sub != nil {
		return e.sub.Unsubscribe()
	}
	return nil
}

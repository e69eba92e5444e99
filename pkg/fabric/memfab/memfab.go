// Package memfab is an in-process loopback fabric provider. Peers on
// one Network exchange messages through shared memory copies with the
// same post/completion discipline as a real fabric: sends land in
// posted receive buffers, completions are queued, tags are matched
// with an ignore mask.
//
// memfab exists to make the transport testable without fabric
// hardware; it is deliberately deterministic
// (one global network lock) rather than fast.
package memfab

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"fabstream/pkg/fabric"
)

// DefaultMaxMsgSize caps per-slot buffers on a memfab network.
const DefaultMaxMsgSize = 1 << 20

// Network is the shared in-process wire. All providers created from
// one Network can reach each other by address string.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*passiveEndpoint
	rdms      map[string]*rdmEndpoint
}

// NewNetwork creates an empty loopback network.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*passiveEndpoint),
		rdms:      make(map[string]*rdmEndpoint),
	}
}

// NewProvider returns a provider attached to the network.
func (n *Network) NewProvider() fabric.Provider {
	return &provider{net: n}
}

type provider struct {
	net *Network
}

func (p *provider) Name() string    { return "memfab" }
func (p *provider) MaxMsgSize() int { return DefaultMaxMsgSize }
func (p *provider) Close() error    { return nil }

func (p *provider) OpenEventQueue() (fabric.EventQueue, error) {
	return &eventQueue{ch: make(chan fabric.Event, 64)}, nil
}

func (p *provider) OpenCompletionQueue(size int, method fabric.CompMethod) (fabric.CompletionQueue, error) {
	return &compQueue{method: method, notify: make(chan struct{}, 1)}, nil
}

func (p *provider) RegisterMemory(region []byte) (fabric.MemoryRegion, error) {
	if len(region) == 0 {
		return nil, errors.New("memfab: empty region")
	}
	return &memoryRegion{key: nextKey()}, nil
}

func (p *provider) NewPassiveEndpoint(bindAddr string) (fabric.PassiveEndpoint, error) {
	return &passiveEndpoint{net: p.net, addr: bindAddr}, nil
}

func (p *provider) NewMsgEndpoint(info *fabric.PeerInfo) (fabric.MsgEndpoint, error) {
	ep := &msgEndpoint{net: p.net}
	if info != nil {
		pend, ok := info.Internal.(*pendingConn)
		if !ok {
			return nil, errors.New("memfab: foreign peer info")
		}
		ep.pending = pend
	}
	return ep, nil
}

func (p *provider) NewRdmEndpoint(bindAddr string) (fabric.RdmEndpoint, error) {
	return &rdmEndpoint{net: p.net, addr: bindAddr}, nil
}

func (p *provider) NewAddressVector() (fabric.AddressVector, error) {
	return &addressVector{byHandle: make(map[fabric.PeerHandle]string)}, nil
}

var (
	keyMu   sync.Mutex
	keyNext uint64
)

func nextKey() uint64 {
	keyMu.Lock()
	defer keyMu.Unlock()
	keyNext++
	return keyNext
}

type memoryRegion struct {
	key uint64
}

func (m *memoryRegion) Key() uint64  { return m.key }
func (m *memoryRegion) Close() error { return nil }

// ---------------------------------------------------------------------------
// queues

type compQueue struct {
	mu      sync.Mutex
	entries []fabric.Completion
	method  fabric.CompMethod
	notify  chan struct{}
	closed  bool
}

func (q *compQueue) push(c fabric.Completion) {
	q.mu.Lock()
	q.entries = append(q.entries, c)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *compQueue) Read(out []fabric.Completion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, fabric.ErrClosed
	}
	n := copy(out, q.entries)
	q.entries = q.entries[n:]
	return n, nil
}

func (q *compQueue) Wait(timeout time.Duration) error {
	if q.method == fabric.CompSpin {
		return nil
	}
	q.mu.Lock()
	if len(q.entries) > 0 || q.closed {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	select {
	case <-q.notify:
		return nil
	case <-time.After(timeout):
		return fabric.ErrUnavailable
	}
}

func (q *compQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

type eventQueue struct {
	ch     chan fabric.Event
	closed sync.Once
}

func (q *eventQueue) push(e fabric.Event) {
	defer func() { recover() }() // racing Close loses the event, as on a torn-down EQ
	q.ch <- e
}

func (q *eventQueue) Read(timeout time.Duration) (fabric.Event, error) {
	select {
	case e, ok := <-q.ch:
		if !ok {
			return fabric.Event{}, fabric.ErrClosed
		}
		return e, nil
	case <-time.After(timeout):
		return fabric.Event{}, fabric.ErrUnavailable
	}
}

func (q *eventQueue) Close() error {
	q.closed.Do(func() { close(q.ch) })
	return nil
}

// ---------------------------------------------------------------------------
// MSG endpoints

type passiveEndpoint struct {
	net  *Network
	addr string
	eq   *eventQueue
}

func (p *passiveEndpoint) Bind(eq fabric.EventQueue) error {
	q, ok := eq.(*eventQueue)
	if !ok {
		return errors.New("memfab: foreign event queue")
	}
	p.eq = q
	return nil
}

func (p *passiveEndpoint) Listen() error {
	if p.eq == nil {
		return errors.New("memfab: listen before bind")
	}
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if _, exists := p.net.listeners[p.addr]; exists {
		return fmt.Errorf("memfab: address %s already in use", p.addr)
	}
	p.net.listeners[p.addr] = p
	return nil
}

func (p *passiveEndpoint) Close() error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.net.listeners[p.addr] == p {
		delete(p.net.listeners, p.addr)
	}
	return nil
}

// pendingConn links the connecting endpoint to the accepting one while
// the CM handshake is in flight.
type pendingConn struct {
	initiator *msgEndpoint
}

type postedRecv struct {
	buf []byte
	ctx any
}

type inflight struct {
	data []byte
	ctx  any // sender's post context
	from *msgEndpoint
}

type msgEndpoint struct {
	net *Network

	eq         *eventQueue
	txcq, rxcq *compQueue

	peer    *msgEndpoint
	pending *pendingConn // accepting side only, until Accept

	posted  []postedRecv
	backlog []inflight

	enabled   bool
	connected bool
	closed    bool
}

func (e *msgEndpoint) Bind(eq fabric.EventQueue, txcq, rxcq fabric.CompletionQueue) error {
	q, ok := eq.(*eventQueue)
	if !ok {
		return errors.New("memfab: foreign event queue")
	}
	tq, ok := txcq.(*compQueue)
	if !ok {
		return errors.New("memfab: foreign completion queue")
	}
	rq, ok := rxcq.(*compQueue)
	if !ok {
		return errors.New("memfab: foreign completion queue")
	}
	e.eq, e.txcq, e.rxcq = q, tq, rq
	return nil
}

func (e *msgEndpoint) Enable() error {
	if e.txcq == nil || e.rxcq == nil {
		return errors.New("memfab: enable before bind")
	}
	e.enabled = true
	return nil
}

func (e *msgEndpoint) Connect(destAddr string) error {
	if !e.enabled {
		return errors.New("memfab: connect on disabled endpoint")
	}
	e.net.mu.Lock()
	listener, ok := e.net.listeners[destAddr]
	e.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("memfab: no listener at %s", destAddr)
	}
	listener.eq.push(fabric.Event{
		Type: fabric.EventConnectRequest,
		Info: &fabric.PeerInfo{
			Addr:     destAddr,
			Internal: &pendingConn{initiator: e},
		},
	})
	return nil
}

func (e *msgEndpoint) Accept() error {
	if e.pending == nil {
		return errors.New("memfab: accept without a pending request")
	}
	if !e.enabled {
		return errors.New("memfab: accept on disabled endpoint")
	}
	initiator := e.pending.initiator
	e.net.mu.Lock()
	e.peer = initiator
	initiator.peer = e
	e.connected = true
	initiator.connected = true
	e.pending = nil
	e.net.mu.Unlock()

	e.eq.push(fabric.Event{Type: fabric.EventConnected, Endpoint: e})
	initiator.eq.push(fabric.Event{Type: fabric.EventConnected, Endpoint: initiator})
	return nil
}

func (e *msgEndpoint) Reject() error {
	if e.pending == nil {
		return errors.New("memfab: reject without a pending request")
	}
	initiator := e.pending.initiator
	e.pending = nil
	// The initiator observes a shutdown before ever being connected,
	// which the transport reports as CONNECT_ERROR.
	initiator.eq.push(fabric.Event{Type: fabric.EventShutdown, Endpoint: initiator})
	return nil
}

func (e *msgEndpoint) Shutdown() error {
	e.net.mu.Lock()
	peer := e.peer
	e.connected = false
	if peer != nil {
		peer.connected = false
	}
	e.net.mu.Unlock()
	if peer != nil && peer.eq != nil {
		peer.eq.push(fabric.Event{Type: fabric.EventShutdown, Endpoint: peer})
	}
	return nil
}

func (e *msgEndpoint) PostSend(buf []byte, n int, mr fabric.MemoryRegion, ctx any) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed || !e.connected || e.peer == nil {
		return fabric.ErrClosed
	}
	peer := e.peer
	if len(peer.posted) > 0 {
		recv := peer.posted[0]
		peer.posted = peer.posted[1:]
		copied := copy(recv.buf, buf[:n])
		peer.rxcq.push(fabric.Completion{Context: recv.ctx, Bytes: copied})
		e.txcq.push(fabric.Completion{Context: ctx, Bytes: n})
		return nil
	}
	// No landing zone yet; the send completes when the peer posts one.
	data := make([]byte, n)
	copy(data, buf[:n])
	peer.backlog = append(peer.backlog, inflight{data: data, ctx: ctx, from: e})
	return nil
}

func (e *msgEndpoint) PostRecv(buf []byte, mr fabric.MemoryRegion, ctx any) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return fabric.ErrClosed
	}
	if len(e.backlog) > 0 {
		msg := e.backlog[0]
		e.backlog = e.backlog[1:]
		copied := copy(buf, msg.data)
		e.rxcq.push(fabric.Completion{Context: ctx, Bytes: copied})
		msg.from.txcq.push(fabric.Completion{Context: msg.ctx, Bytes: len(msg.data)})
		return nil
	}
	e.posted = append(e.posted, postedRecv{buf: buf, ctx: ctx})
	return nil
}

func (e *msgEndpoint) Close() error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.closed = true
	e.connected = false
	return nil
}

// ---------------------------------------------------------------------------
// RDM endpoints

type addressVector struct {
	mu       sync.Mutex
	byHandle map[fabric.PeerHandle]string
	next     fabric.PeerHandle
}

func (av *addressVector) Insert(raw []byte) (fabric.PeerHandle, error) {
	av.mu.Lock()
	defer av.mu.Unlock()
	av.next++
	h := av.next
	av.byHandle[h] = string(raw)
	return h, nil
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
	net  *Network
	addr string

	av         *addressVector
	txcq, rxcq *compQueue

	posted     []taggedRecv
	unexpected []taggedMsg

	enabled bool
	closed  bool
}

func (e *rdmEndpoint) Bind(av fabric.AddressVector, txcq, rxcq fabric.CompletionQueue) error {
	a, ok := av.(*addressVector)
	if !ok {
		return errors.New("memfab: foreign address vector")
	}
	tq, ok := txcq.(*compQueue)
	if !ok {
		return errors.New("memfab: foreign completion queue")
	}
	rq, ok := rxcq.(*compQueue)
	if !ok {
		return errors.New("memfab: foreign completion queue")
	}
	e.av, e.txcq, e.rxcq = a, tq, rq
	return nil
}

func (e *rdmEndpoint) Enable() error {
	if e.av == nil {
		return errors.New("memfab: enable before bind")
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if _, exists := e.net.rdms[e.addr]; exists {
		return fmt.Errorf("memfab: address %s already in use", e.addr)
	}
	e.net.rdms[e.addr] = e
	e.enabled = true
	return nil
}

func (e *rdmEndpoint) RawAddress() []byte {
	return []byte(e.addr)
}

// tagMatches implements the tagged-receive rule: a message matches a
// posted receive when the tags agree on every bit outside the ignore
// mask.
func tagMatches(msgTag, recvTag, ignore uint64) bool {
	return (msgTag^recvTag)&^ignore == 0
}

func (e *rdmEndpoint) PostTaggedSend(buf []byte, n int, mr fabric.MemoryRegion, dest fabric.PeerHandle, tag uint64, ctx any) error {
	if !e.enabled {
		return errors.New("memfab: post on disabled endpoint")
	}
	addr, ok := e.av.lookup(dest)
	if !ok {
		return fmt.Errorf("memfab: unknown peer handle %d", dest)
	}
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	target, ok := e.net.rdms[addr]
	if !ok || target.closed {
		return fmt.Errorf("memfab: no endpoint at %s", addr)
	}

	delivered := false
	for i, r := range target.posted {
		if tagMatches(tag, r.tag, r.ignore) {
			copied := copy(r.buf, buf[:n])
			target.posted = append(target.posted[:i], target.posted[i+1:]...)
			target.rxcq.push(fabric.Completion{Context: r.ctx, Tag: tag, Bytes: copied})
			delivered = true
			break
		}
	}
	if !delivered {
		data := make([]byte, n)
		copy(data, buf[:n])
		target.unexpected = append(target.unexpected, taggedMsg{data: data, tag: tag})
	}
	e.txcq.push(fabric.Completion{Context: ctx, Tag: tag, Bytes: n})
	return nil
}

func (e *rdmEndpoint) PostTaggedRecv(buf []byte, mr fabric.MemoryRegion, tag, ignore uint64, ctx any) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return fabric.ErrClosed
	}
	for i, msg := range e.unexpected {
		if tagMatches(msg.tag, tag, ignore) {
			copied := copy(buf, msg.data)
			e.unexpected = append(e.unexpected[:i], e.unexpected[i+1:]...)
			e.rxcq.push(fabric.Completion{Context: ctx, Tag: msg.tag, Bytes: copied})
			return nil
		}
	}
	e.posted = append(e.posted, taggedRecv{buf: buf, ctx: ctx, tag: tag, ignore: ignore})
	return nil
}

func (e *rdmEndpoint) Close() error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.net.rdms[e.addr] == e {
		delete(e.net.rdms, e.addr)
	}
	e.closed = true
	return nil
}

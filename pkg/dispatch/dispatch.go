// Package dispatch implements the request/response/message layer on
// top of a channel: type-name routing, request-id correlation, and
// per-request timeouts.
package dispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fabstream/internal/metrics"
	"fabstream/pkg/packet"
	"fabstream/pkg/payload"
	"fabstream/pkg/status"
)

// Sink is where encoded packets go; *channel.Channel satisfies it.
type Sink interface {
	SendPacket(pkt *packet.Outgoing, cb func(status.Code)) status.Code
	MaxFrameSize() int
}

// RequestHandler serves an incoming request. The id must be echoed in
// SendResponse to correlate the reply.
type RequestHandler func(id packet.RequestID, req payload.Payload)

// MessageHandler serves an unsolicited message.
type MessageHandler func(msg payload.Payload)

// ResponseHandler receives the response to an earlier request, the
// user context supplied at SendRequest, and OK — or a nil payload with
// Timeout, WriteError, or ReadError (the response body did not parse).
type ResponseHandler func(userCtx any, resp payload.Payload, code status.Code)

type handlerKind int

const (
	kindRequest handlerKind = iota
	kindMessage
	kindResponse
)

// handlerEntry is resolved once per registered type name; incoming
// packets route through this struct without further allocation.
type handlerEntry struct {
	kind    handlerKind
	factory payload.Factory
	onReq   RequestHandler
	onMsg   MessageHandler
	onResp  ResponseHandler
}

type pendingReq struct {
	respType string
	userCtx  any
	timer    *time.Timer
}

// Dispatcher routes typed packets between user handlers and a channel.
//
// The handler registry is build-once read-many (handlers are installed
// at setup, looked up per packet under a read lock). pending requests
// live under their own mutex, held across insert, lookup, and remove.
type Dispatcher struct {
	logger zerolog.Logger
	m      *metrics.Metrics
	sink   Sink

	hmu       sync.RWMutex
	handlers  map[string]*handlerEntry
	reqToResp map[string]string

	pmu     sync.Mutex
	pending map[packet.RequestID]*pendingReq
}

// New builds a dispatcher over sink.
func New(sink Sink, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		logger:    logger.With().Str("component", "dispatch").Logger(),
		m:         m,
		sink:      sink,
		handlers:  make(map[string]*handlerEntry),
		reqToResp: make(map[string]string),
		pending:   make(map[packet.RequestID]*pendingReq),
	}
}

// InstallRequestHandler registers fn for requests whose type name
// matches the factory's payloads. Installing a second handler for the
// same name returns DuplicateOn.
func (d *Dispatcher) InstallRequestHandler(factory payload.Factory, fn RequestHandler) status.Code {
	name := factory().TypeName()
	d.hmu.Lock()
	defer d.hmu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return status.DuplicateOn
	}
	d.handlers[name] = &handlerEntry{kind: kindRequest, factory: factory, onReq: fn}
	return status.OK
}

// InstallMessageHandler registers fn for unsolicited messages.
func (d *Dispatcher) InstallMessageHandler(factory payload.Factory, fn MessageHandler) status.Code {
	name := factory().TypeName()
	d.hmu.Lock()
	defer d.hmu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return status.DuplicateOn
	}
	d.handlers[name] = &handlerEntry{kind: kindMessage, factory: factory, onMsg: fn}
	return status.OK
}

// InstallResponseHandler records that requests built by reqFactory
// expect responses built by respFactory, delivered to fn.
func (d *Dispatcher) InstallResponseHandler(reqFactory, respFactory payload.Factory, fn ResponseHandler) status.Code {
	reqName := reqFactory().TypeName()
	respName := respFactory().TypeName()
	d.hmu.Lock()
	defer d.hmu.Unlock()
	if _, exists := d.handlers[respName]; exists {
		return status.DuplicateOn
	}
	d.handlers[respName] = &handlerEntry{kind: kindResponse, factory: respFactory, onResp: fn}
	d.reqToResp[reqName] = respName
	return status.OK
}

// SendRequest encodes and enqueues a request, arms the timeout, and
// records the pending correlation. The pending entry is inserted
// before the packet is posted, so a response can never be observed
// before its request is tracked.
func (d *Dispatcher) SendRequest(req payload.Payload, userCtx any, timeout time.Duration) status.Code {
	d.hmu.RLock()
	respType, ok := d.reqToResp[req.TypeName()]
	var entry *handlerEntry
	if ok {
		entry = d.handlers[respType]
	}
	d.hmu.RUnlock()
	if !ok || entry == nil {
		d.logger.Error().Str("type", req.TypeName()).Msg("SendRequest without an installed response handler")
		return status.WriteError
	}

	id := packet.NewRequestID()
	pkt, code := d.encode(req.TypeName(), id, req)
	if code != status.OK {
		return code
	}

	pend := &pendingReq{respType: respType, userCtx: userCtx}
	d.pmu.Lock()
	d.pending[id] = pend
	d.pmu.Unlock()

	if code := d.sink.SendPacket(pkt, nil); code != status.OK {
		d.pmu.Lock()
		delete(d.pending, id)
		d.pmu.Unlock()
		entry.onResp(userCtx, nil, status.WriteError)
		return code
	}

	if timeout > 0 {
		d.pmu.Lock()
		if p, still := d.pending[id]; still {
			p.timer = time.AfterFunc(timeout, func() { d.onTimeout(id) })
		}
		d.pmu.Unlock()
	}
	d.m.RequestsSent.Inc()
	return status.OK
}

// SendResponse encodes and enqueues a response correlated to id.
func (d *Dispatcher) SendResponse(id packet.RequestID, resp payload.Payload) status.Code {
	pkt, code := d.encode(resp.TypeName(), id, resp)
	if code != status.OK {
		return code
	}
	if code := d.sink.SendPacket(pkt, nil); code != status.OK {
		return code
	}
	d.m.ResponsesServed.Inc()
	return status.OK
}

// SendMessage encodes and enqueues an unsolicited message with the
// reserved zero request id.
func (d *Dispatcher) SendMessage(msg payload.Payload) status.Code {
	pkt, code := d.encode(msg.TypeName(), packet.ZeroRequestID(), msg)
	if code != status.OK {
		return code
	}
	return d.sink.SendPacket(pkt, nil)
}

func (d *Dispatcher) encode(typeName string, id packet.RequestID, pl payload.Payload) (*packet.Outgoing, status.Code) {
	byteSize := pl.ByteSize()
	bodySize := packet.DataSize(typeName, byteSize)
	if bodySize+packet.HeaderSize > d.sink.MaxFrameSize() {
		d.logger.Error().
			Str("type", typeName).
			Int("size", bodySize).
			Msg("Payload exceeds frame capacity; split it across frames")
		return nil, status.InvalidPacket
	}
	pkt := packet.NewOutgoing(bodySize)
	if err := pkt.PackString(typeName); err != nil {
		return nil, status.InvalidPacket
	}
	if err := pkt.PackRequestID(id); err != nil {
		return nil, status.InvalidPacket
	}
	if err := pkt.PackPayload(pl, byteSize); err != nil {
		return nil, status.InvalidPacket
	}
	return pkt, status.OK
}

// OnPacket routes one incoming packet. Wire the channel's OnNewPacket
// callback here.
//
// Routing: type name → request handler, else message handler, else
// response handler with request-id correlation. Unknown type names and
// responses to requests that already timed out are dropped.
func (d *Dispatcher) OnPacket(p *packet.Incoming) {
	var typeName string
	if err := p.UnpackString(&typeName); err != nil {
		d.logger.Error().Err(err).Msg("Failed to unpack type name, dropping packet")
		d.m.InvalidPackets.Inc()
		return
	}

	d.hmu.RLock()
	entry, ok := d.handlers[typeName]
	d.hmu.RUnlock()
	if !ok {
		d.m.PacketsDropped.WithLabelValues("unknown_type").Inc()
		d.logger.Debug().Str("type", typeName).Msg("No handler for type, dropping packet")
		return
	}

	var id packet.RequestID
	if err := p.UnpackRequestID(&id); err != nil {
		d.logger.Error().Err(err).Str("type", typeName).Msg("Failed to unpack request id")
		d.m.InvalidPackets.Inc()
		return
	}

	switch entry.kind {
	case kindRequest:
		pl := entry.factory()
		if err := p.UnpackPayload(pl); err != nil {
			d.logger.Error().Err(err).Str("type", typeName).Msg("Failed to parse request payload")
			d.m.InvalidPackets.Inc()
			return
		}
		entry.onReq(id, pl)

	case kindMessage:
		// The request id was skipped above; messages carry the zero id.
		pl := entry.factory()
		if err := p.UnpackPayload(pl); err != nil {
			d.logger.Error().Err(err).Str("type", typeName).Msg("Failed to parse message payload")
			d.m.InvalidPackets.Inc()
			return
		}
		entry.onMsg(pl)

	case kindResponse:
		d.pmu.Lock()
		pend, exists := d.pending[id]
		if exists {
			delete(d.pending, id)
			if pend.timer != nil {
				pend.timer.Stop()
			}
		}
		d.pmu.Unlock()
		if !exists {
			// Either a response to a request that already timed out or
			// an id we never issued; both are expected races.
			d.m.PacketsDropped.WithLabelValues("late_response").Inc()
			return
		}
		pl := entry.factory()
		if err := p.UnpackPayload(pl); err != nil {
			d.logger.Error().Err(err).Str("type", typeName).Msg("Failed to parse response payload")
			d.m.InvalidPackets.Inc()
			entry.onResp(pend.userCtx, nil, status.ReadError)
			return
		}
		entry.onResp(pend.userCtx, pl, status.OK)
	}
}

func (d *Dispatcher) onTimeout(id packet.RequestID) {
	d.pmu.Lock()
	pend, exists := d.pending[id]
	if exists {
		delete(d.pending, id)
	}
	d.pmu.Unlock()
	if !exists {
		// The response retired the request before the timer fired.
		return
	}

	d.hmu.RLock()
	entry := d.handlers[pend.respType]
	d.hmu.RUnlock()

	d.m.RequestTimeouts.Inc()
	if entry != nil && entry.onResp != nil {
		entry.onResp(pend.userCtx, nil, status.Timeout)
	}
}

// PendingCount reports the number of requests awaiting responses.
func (d *Dispatcher) PendingCount() int {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return len(d.pending)
}

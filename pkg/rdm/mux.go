package rdm

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fabstream/internal/metrics"
	"fabstream/pkg/channel"
	"fabstream/pkg/fabric"
	"fabstream/pkg/ringbuf"
)

// ctrlSlotSize bounds a control frame: it only ever carries a raw
// endpoint address.
const ctrlSlotSize = 512

// Options configures a multiplexer.
type Options struct {
	// StreamID identifies this endpoint in every tag it sends.
	StreamID uint16
	// Addr is the endpoint's bind address.
	Addr string

	SlotCount  int
	SlotSize   int
	CompMethod fabric.CompMethod

	// OnNewChannel fires when a connect from an unknown peer produced
	// a fresh channel (before the confirm is sent back).
	OnNewChannel func(peerStream uint16, ch *channel.Channel)
	// OnConfirm fires on the initiator when the responder confirmed.
	OnConfirm func(peerStream uint16)
	// ChannelCallbacks is cloned into every channel the mux creates.
	ChannelCallbacks func(peerStream uint16) channel.Callbacks

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// muxChannel pairs a channel with its routing state and the
// authoritative completion counters (the mux aggregate is derived from
// these, never separately mutated).
type muxChannel struct {
	ch         *channel.Channel
	peerStream uint16
	dest       fabric.PeerHandle

	txPosted    atomic.Uint64
	txCompleted atomic.Uint64
	rxPosted    atomic.Uint64
	rxCompleted atomic.Uint64
}

// Stats is the mux's reconciled completion bookkeeping.
type Stats struct {
	TxSeq, TxCqCntr uint64
	RxSeq, RxCqCntr uint64
}

// Mux owns one RDM endpoint shared by many channels and routes tagged
// completions to them by sender stream id.
type Mux struct {
	opts   Options
	logger zerolog.Logger
	m      *metrics.Metrics

	prov       fabric.Provider
	ep         fabric.RdmEndpoint
	av         fabric.AddressVector
	txcq, rxcq fabric.CompletionQueue

	// Channel registry: read-mostly. Completions look channels up under
	// the read lock; connects and closes take the write lock.
	mu       sync.RWMutex
	channels map[uint16]*muxChannel

	ctrlTX, ctrlRX *ringbuf.Ring
	ctrlTxMR       fabric.MemoryRegion
	ctrlRxMR       fabric.MemoryRegion
	ctrlPosted     atomic.Uint64
	ctrlCompleted  atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

type ctrlCtx struct{ slot int }
type dataCtx struct {
	mc   *muxChannel
	slot int
}

// New opens the shared endpoint, queues, and control rings, and posts
// the control landing zones.
func New(opts Options, prov fabric.Provider) (*Mux, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.SlotCount < 4 {
		return nil, errors.New("rdm: need at least 4 slots")
	}

	m := &Mux{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "rdm").Uint16("stream_id", opts.StreamID).Logger(),
		m:        opts.Metrics,
		prov:     prov,
		channels: make(map[uint16]*muxChannel),
		done:     make(chan struct{}),
	}

	var err error
	if m.txcq, err = prov.OpenCompletionQueue(opts.SlotCount, opts.CompMethod); err != nil {
		return nil, err
	}
	if m.rxcq, err = prov.OpenCompletionQueue(opts.SlotCount, opts.CompMethod); err != nil {
		return nil, err
	}
	if m.av, err = prov.NewAddressVector(); err != nil {
		return nil, err
	}
	if m.ep, err = prov.NewRdmEndpoint(opts.Addr); err != nil {
		return nil, err
	}
	if err = m.ep.Bind(m.av, m.txcq, m.rxcq); err != nil {
		return nil, err
	}
	if err = m.ep.Enable(); err != nil {
		return nil, err
	}

	if m.ctrlTX, err = ringbuf.New(make([]byte, opts.SlotCount*ctrlSlotSize), opts.SlotCount); err != nil {
		return nil, err
	}
	if m.ctrlRX, err = ringbuf.New(make([]byte, opts.SlotCount*ctrlSlotSize), opts.SlotCount); err != nil {
		return nil, err
	}
	if m.ctrlTxMR, err = prov.RegisterMemory(m.ctrlTX.Region()); err != nil {
		return nil, err
	}
	if m.ctrlRxMR, err = prov.RegisterMemory(m.ctrlRX.Region()); err != nil {
		return nil, err
	}

	// Control landing zones accept any sender: match on kind only.
	ctrlTag := MakeTag(KindControl, 0, 0, 0)
	for i := 0; i < opts.SlotCount; i++ {
		if err := m.ep.PostTaggedRecv(m.ctrlRX.Slot(i), m.ctrlRxMR, uint64(ctrlTag), uint64(IgnoreAllButKind), ctrlCtx{slot: i}); err != nil {
			return nil, fmt.Errorf("rdm: posting control buffer: %w", err)
		}
	}
	return m, nil
}

// RawAddress returns the endpoint address other peers insert into
// their address vectors.
func (m *Mux) RawAddress() []byte { return m.ep.RawAddress() }

// Start launches the merged completion loop.
func (m *Mux) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
}

// Stop terminates the loop.
func (m *Mux) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
}

// Channel returns the channel for a peer stream id.
func (m *Mux) Channel(peerStream uint16) (*channel.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.channels[peerStream]
	if !ok {
		return nil, false
	}
	return mc.ch, true
}

// ChannelCount returns the number of live channels.
func (m *Mux) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Connect initiates the datagram connection protocol: insert the
// peer's raw address, build the channel, and send a control frame
// carrying our own address. The channel can buffer writes immediately;
// OnConfirm reports when the responder answered.
func (m *Mux) Connect(peerAddr []byte, peerStream uint16) (*channel.Channel, error) {
	m.mu.Lock()
	if mc, ok := m.channels[peerStream]; ok {
		m.mu.Unlock()
		return mc.ch, nil
	}
	m.mu.Unlock()

	dest, err := m.av.Insert(peerAddr)
	if err != nil {
		return nil, fmt.Errorf("rdm: inserting peer address: %w", err)
	}
	mc, err := m.newChannel(peerStream, dest)
	if err != nil {
		return nil, err
	}
	if err := m.sendControl(CtrlConnect, peerStream, dest, m.ep.RawAddress()); err != nil {
		return nil, err
	}
	return mc.ch, nil
}

// newChannel builds, registers, and starts a channel for peerStream.
func (m *Mux) newChannel(peerStream uint16, dest fabric.PeerHandle) (*muxChannel, error) {
	var cbs channel.Callbacks
	if m.opts.ChannelCallbacks != nil {
		cbs = m.opts.ChannelCallbacks(peerStream)
	}
	ch, err := channel.New(channel.Options{
		SlotCount: m.opts.SlotCount,
		SlotSize:  m.opts.SlotSize,
		Logger:    m.logger,
		Metrics:   m.m,
	}, m.prov, cbs)
	if err != nil {
		return nil, err
	}

	mc := &muxChannel{ch: ch, peerStream: peerStream, dest: dest}
	poster := &channelPoster{
		mux:           m,
		mc:            mc,
		sendTag:       MakeTag(KindData, SubtypeDefault, m.opts.StreamID, peerStream),
		sendCreditTag: MakeTag(KindData, SubtypeCredit, m.opts.StreamID, peerStream),
		recvTag:       MakeTag(KindData, SubtypeDefault, peerStream, m.opts.StreamID),
	}

	m.mu.Lock()
	if existing, ok := m.channels[peerStream]; ok {
		m.mu.Unlock()
		ch.Close()
		return existing, nil
	}
	m.channels[peerStream] = mc
	m.mu.Unlock()

	if err := ch.Start(poster); err != nil {
		m.removeChannel(peerStream)
		return nil, err
	}
	return mc, nil
}

func (m *Mux) removeChannel(peerStream uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, peerStream)
}

// CloseChannel closes and deregisters the channel for peerStream.
func (m *Mux) CloseChannel(peerStream uint16) {
	m.mu.Lock()
	mc, ok := m.channels[peerStream]
	if ok {
		delete(m.channels, peerStream)
	}
	m.mu.Unlock()
	if ok {
		mc.ch.Close()
	}
}

// sendControl posts a control frame from the control TX ring.
func (m *Mux) sendControl(subtype uint16, peerStream uint16, dest fabric.PeerHandle, body []byte) error {
	idx, slot, ok := m.ctrlTX.AcquireWriteSlot()
	if !ok {
		return fabric.ErrUnavailable
	}
	if len(body) > len(slot) {
		return errors.New("rdm: control body exceeds slot")
	}
	n := copy(slot, body)
	if err := m.ctrlTX.MarkFilled(1); err != nil {
		return err
	}
	tag := MakeTag(KindControl, subtype, m.opts.StreamID, peerStream)
	if err := m.ep.PostTaggedSend(slot, n, m.ctrlTxMR, dest, uint64(tag), ctrlCtx{slot: idx}); err != nil {
		return err
	}
	m.ctrlPosted.Add(1)
	return m.ctrlTX.MarkSubmitted(1)
}

// loop merges CM-free control handling and both completion queues into
// one body, as the datagram variant requires.
func (m *Mux) loop() {
	var comps [16]fabric.Completion
	for {
		select {
		case <-m.done:
			return
		default:
		}

		progress := false
		if n, _ := m.txcq.Read(comps[:]); n > 0 {
			progress = true
			for i := 0; i < n; i++ {
				m.handleTxCompletion(comps[i])
			}
			m.m.CompletionsPolled.Add(float64(n))
		}
		if n, _ := m.rxcq.Read(comps[:]); n > 0 {
			progress = true
			for i := 0; i < n; i++ {
				m.handleRxCompletion(comps[i])
			}
			m.m.CompletionsPolled.Add(float64(n))
		}

		if !progress {
			// Reconcile the derived aggregate while idle, then yield.
			_ = m.ReconcileStats()
			if err := m.txcq.Wait(idleWait); err != nil {
				_ = m.rxcq.Wait(idleWait)
			}
			runtime.Gosched()
		}
	}
}

// idleWait bounds the completion wait while the loop is idle.
const idleWait = 500 * time.Microsecond

func (m *Mux) handleTxCompletion(c fabric.Completion) {
	tag := Tag(c.Tag)
	switch tag.Kind() {
	case KindControl:
		m.ctrlCompleted.Add(1)
		if err := m.ctrlTX.Release(1); err != nil {
			m.logger.Error().Err(err).Msg("Control TX ring release failed")
		}
	case KindData:
		// Our send tags carry the peer's stream id in the receiver
		// field.
		peer := tag.Receiver()
		m.mu.RLock()
		mc, ok := m.channels[peer]
		m.mu.RUnlock()
		if !ok {
			m.logger.Error().Uint16("stream_id", peer).Msg("TX completion for unknown stream id")
			return
		}
		mc.txCompleted.Add(1)
		mc.ch.OnWriteComplete(1)
	default:
		m.logger.Error().Uint64("tag", c.Tag).Msg("TX completion with unknown kind")
	}
}

func (m *Mux) handleRxCompletion(c fabric.Completion) {
	tag := Tag(c.Tag)
	switch tag.Kind() {
	case KindControl:
		ctx, ok := c.Context.(ctrlCtx)
		if !ok {
			m.logger.Error().Msg("Control completion without slot context")
			return
		}
		m.handleControl(tag, ctx.slot, c.Bytes)
	case KindData:
		sender := tag.Sender()
		m.mu.RLock()
		mc, ok := m.channels[sender]
		m.mu.RUnlock()
		if !ok {
			m.logger.Error().Uint16("stream_id", sender).Msg("RX completion for unknown stream id")
			return
		}
		mc.rxCompleted.Add(1)
		mc.ch.OnReadComplete(1)
	default:
		m.logger.Error().Uint64("tag", c.Tag).Msg("RX completion with unknown kind")
	}
}

// handleControl runs the connect/confirm protocol and re-arms the
// consumed control slot.
func (m *Mux) handleControl(tag Tag, slot int, n int) {
	sender := tag.Sender()
	body := m.ctrlRX.Slot(slot)[:n]

	switch tag.Subtype() {
	case CtrlConnect:
		m.mu.RLock()
		_, known := m.channels[sender]
		m.mu.RUnlock()
		if !known {
			addr := make([]byte, n)
			copy(addr, body)
			dest, err := m.av.Insert(addr)
			if err != nil {
				m.logger.Error().Err(err).Msg("Failed to insert connecting peer address")
				break
			}
			mc, err := m.newChannel(sender, dest)
			if err != nil {
				m.logger.Error().Err(err).Msg("Failed to create channel for connecting peer")
				break
			}
			if m.opts.OnNewChannel != nil {
				m.opts.OnNewChannel(sender, mc.ch)
			}
			if err := m.sendControl(CtrlConfirm, sender, dest, m.ep.RawAddress()); err != nil {
				m.logger.Error().Err(err).Msg("Failed to send connect confirm")
			}
		}
	case CtrlConfirm:
		if m.opts.OnConfirm != nil {
			m.opts.OnConfirm(sender)
		}
	default:
		m.logger.Warn().Uint16("subtype", tag.Subtype()).Msg("Unknown control subtype, discarding")
	}

	// Re-arm the slot for the next control frame.
	ctrlTag := MakeTag(KindControl, 0, 0, 0)
	if err := m.ep.PostTaggedRecv(m.ctrlRX.Slot(slot), m.ctrlRxMR, uint64(ctrlTag), uint64(IgnoreAllButKind), ctrlCtx{slot: slot}); err != nil {
		m.logger.Error().Err(err).Int("slot", slot).Msg("Failed to re-arm control buffer")
	}
}

// ReconcileStats recomputes the mux-level counters as the sum of the
// per-channel authoritative counters plus control sends (control
// receives are not counted). The
// aggregate is derived on demand, never separately mutated.
func (m *Mux) ReconcileStats() Stats {
	s := Stats{
		TxSeq:    m.ctrlPosted.Load(),
		TxCqCntr: m.ctrlCompleted.Load(),
	}
	m.mu.RLock()
	for _, mc := range m.channels {
		s.TxSeq += mc.txPosted.Load()
		s.TxCqCntr += mc.txCompleted.Load()
		s.RxSeq += mc.rxPosted.Load()
		s.RxCqCntr += mc.rxCompleted.Load()
	}
	m.mu.RUnlock()
	return s
}

// channelPoster adapts a channel's posts onto the shared endpoint,
// tagging each frame with the channel's stream pair.
type channelPoster struct {
	mux           *Mux
	mc            *muxChannel
	sendTag       Tag
	sendCreditTag Tag
	recvTag       Tag
}

func (p *channelPoster) PostData(idx int, data []byte) error {
	err := p.mux.ep.PostTaggedSend(data, len(data), p.mc.ch.TxMemory(), p.mc.dest, uint64(p.sendTag), dataCtx{mc: p.mc, slot: idx})
	if err == nil {
		p.mc.txPosted.Add(1)
	}
	return err
}

func (p *channelPoster) PostCredit(idx int, data []byte) error {
	err := p.mux.ep.PostTaggedSend(data, len(data), p.mc.ch.TxMemory(), p.mc.dest, uint64(p.sendCreditTag), dataCtx{mc: p.mc, slot: idx})
	if err == nil {
		p.mc.txPosted.Add(1)
	}
	return err
}

func (p *channelPoster) PostRecv(idx int, buf []byte) error {
	// Ignore the subtype bits: a credit-only frame is accepted whether
	// the peer tagged it as data or credit.
	err := p.mux.ep.PostTaggedRecv(buf, p.mc.ch.RxMemory(), uint64(p.recvTag), uint64(IgnoreSubtype), dataCtx{mc: p.mc, slot: idx})
	if err == nil {
		p.mc.rxPosted.Add(1)
	}
	return err
}

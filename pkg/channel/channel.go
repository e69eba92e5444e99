// Package channel implements the per-peer transport: two ring buffers
// over registered memory, windowed credit flow control, and the framing
// glue between packets and ring slots.
//
// Slot layout (sender-written, all fields big-endian):
//
//	4 bytes  payload length (0 = credit-only packet)
//	4 bytes  piggybacked credit
//	n bytes  framed packet bytes
//
// Credit protocol: each RX slot is one unit of credit. peerCredit
// starts at N-2; a data send consumes one. Credit is refunded either as
// a piggyback on outgoing data or, when the unadvertised window reaches
// half of the usable slots, via an explicit credit-only packet. Two
// slots stay reserved so a credit-only advertisement is always possible
// when the pipeline is full, preventing mutual starvation.
package channel

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"fabstream/internal/metrics"
	"fabstream/pkg/fabric"
	"fabstream/pkg/packet"
	"fabstream/pkg/ringbuf"
	"fabstream/pkg/status"
)

// slotHeaderSize is the per-slot prefix: payload length + credit.
const slotHeaderSize = 8

// Default back-pressure thresholds on outstanding bytes.
const (
	DefaultHWMBytes        = 100 * 1024 * 1024
	DefaultLWMBytes        = 50 * 1024 * 1024
	DefaultHWMEnqueueCount = 1024
)

// WriteStatus is the result of a direct Write.
type WriteStatus int

const (
	// WriteQueued: the frame was placed in a slot and posted.
	WriteQueued WriteStatus = iota
	// WriteWouldBlock: no peer credit or no free slot; the channel
	// latched waitingForCredit and will signal write-readiness.
	WriteWouldBlock
	// WriteFailed: a non-recoverable error; the channel is closing.
	WriteFailed
)

// State is the channel lifecycle state.
type State int32

const (
	StateInit State = iota
	StateConnected
	StateToBeDisconnected
	StateDisconnected
)

var (
	// ErrPacketTooLarge: the framed packet does not fit a single slot.
	// Callers must split payloads across frames.
	ErrPacketTooLarge = errors.New("channel: packet exceeds slot capacity")

	errCreditAccounting = errors.New("channel: credit accounting inconsistency")
)

// Poster abstracts how slot contents reach the fabric: a dedicated MSG
// endpoint or the shared datagram multiplexer. Implementations must not
// call back into the channel.
type Poster interface {
	// PostData posts data[:n] from TX slot idx.
	PostData(idx int, data []byte) error
	// PostCredit posts a credit-only frame from TX slot idx.
	PostCredit(idx int, data []byte) error
	// PostRecv re-arms RX slot idx.
	PostRecv(idx int, buf []byte) error
}

// Callbacks are the user-facing notification hooks. All fields are
// optional. OnReadReady may be invoked while the channel lock is held
// (it is the terminal step of a receive completion); every other hook
// runs unlocked.
type Callbacks struct {
	OnWriteComplete func(bytes int)
	OnWriteReady    func()
	OnReadReady     func()
	// OnNewPacket switches the channel into packet mode: incoming
	// bytes are assembled into framed packets and delivered here. When
	// nil the caller drains bytes itself via ReadData.
	OnNewPacket   func(*packet.Incoming)
	OnBufferFull  func()
	OnBufferEmpty func()
	OnClose       func(code status.Code)
}

// Options configures a channel.
type Options struct {
	SlotCount     int
	SlotSize      int
	MaxPacketSize uint32

	HWMBytes        int64
	LWMBytes        int64
	HWMEnqueueCount int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) fillDefaults() {
	if o.HWMBytes == 0 {
		o.HWMBytes = DefaultHWMBytes
	}
	if o.LWMBytes == 0 {
		o.LWMBytes = DefaultLWMBytes
	}
	if o.HWMEnqueueCount == 0 {
		o.HWMEnqueueCount = DefaultHWMEnqueueCount
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
}

type outgoingEntry struct {
	pkt *packet.Outgoing
	cb  func(status.Code)
}

// Channel is a reliable, ordered, framed byte stream to one peer.
//
// Locking: the single mutex guards ring bookkeeping and credit state.
// It is released before every provider post and before every user
// callback except OnReadReady.
type Channel struct {
	mu sync.Mutex

	// postMu serializes slot reservation and the provider post so that
	// post order always matches TX ring order (completions retire slots
	// from base). Always acquired before mu. Completion handlers take it
	// too, after releasing mu, when they pump queued packets or post
	// credit.
	postMu sync.Mutex

	opts   Options
	logger zerolog.Logger
	m      *metrics.Metrics

	tx, rx     *ringbuf.Ring
	txMR, rxMR fabric.MemoryRegion
	poster     Poster

	state   State
	started bool

	// Credit state. usable window is SlotCount-2.
	peerCredit           int
	totalUsedCredit      int
	creditUsedCheckpoint int
	writtenBuffers       int
	waitingForCredit     bool

	// rxReady counts receive completions not yet consumed: the head
	// rxReady slots of the RX ring hold arrived data.
	rxReady int

	// Outgoing packet queue (packets accepted but not yet slotted).
	outgoing []outgoingEntry
	// Per-slot completion callbacks for packets placed by the pump.
	inflightCB map[int]func(status.Code)
	pumping    bool

	// Back-pressure accounting.
	outstandingBytes          int64
	numEnqueuesWithBufferFull int
	causedBackPressure        bool

	// Incoming packet under assembly (packet mode).
	incoming    *packet.Incoming
	headerFill  int
	bodyFill    int
	haveBody    bool
	callbacks   Callbacks
	maxPostErrs int
}

// New allocates the TX and RX rings, registers both regions with the
// provider, and returns a channel in StateInit. The caller wires a
// Poster and calls Start.
func New(opts Options, prov fabric.Provider, cbs Callbacks) (*Channel, error) {
	opts.fillDefaults()
	if opts.SlotCount < 4 {
		return nil, errors.New("channel: need at least 4 slots")
	}
	if opts.SlotSize > prov.MaxMsgSize() {
		opts.SlotSize = prov.MaxMsgSize()
	}
	if opts.SlotSize <= slotHeaderSize {
		return nil, errors.New("channel: slot size too small")
	}
	if opts.MaxPacketSize == 0 {
		opts.MaxPacketSize = uint32(opts.SlotSize - slotHeaderSize)
	}

	tx, err := ringbuf.New(make([]byte, opts.SlotCount*opts.SlotSize), opts.SlotCount)
	if err != nil {
		return nil, err
	}
	rx, err := ringbuf.New(make([]byte, opts.SlotCount*opts.SlotSize), opts.SlotCount)
	if err != nil {
		return nil, err
	}
	txMR, err := prov.RegisterMemory(tx.Region())
	if err != nil {
		return nil, err
	}
	rxMR, err := prov.RegisterMemory(rx.Region())
	if err != nil {
		txMR.Close()
		return nil, err
	}

	c := &Channel{
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "channel").Logger(),
		m:           opts.Metrics,
		tx:          tx,
		rx:          rx,
		txMR:        txMR,
		rxMR:        rxMR,
		callbacks:   cbs,
		inflightCB:  make(map[int]func(status.Code)),
		maxPostErrs: fabric.MaxPostErrors,
	}
	c.m.ChannelsTotal.Inc()
	return c, nil
}

// TxMemory and RxMemory expose the registered regions so posters can
// pass the right descriptors.
func (c *Channel) TxMemory() fabric.MemoryRegion { return c.txMR }
func (c *Channel) RxMemory() fabric.MemoryRegion { return c.rxMR }

// TxRing and RxRing expose the rings for posters and tests.
func (c *Channel) TxRing() *ringbuf.Ring { return c.tx }
func (c *Channel) RxRing() *ringbuf.Ring { return c.rx }

// SlotSize returns the per-slot capacity.
func (c *Channel) SlotSize() int { return c.opts.SlotSize }

// MaxFrameSize returns the largest framed packet a single Write can carry.
func (c *Channel) MaxFrameSize() int { return c.opts.SlotSize - slotHeaderSize }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// usableSlots is the data window: two slots reserved for credit flow.
func (c *Channel) usableSlots() int { return c.opts.SlotCount - 2 }

// Start arms the channel: computes credit state, posts every RX slot,
// and transitions to StateConnected. Idempotent; the second call is a
// no-op after the first success.
func (c *Channel) Start(poster Poster) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.poster = poster
	c.peerCredit = c.usableSlots()
	c.totalUsedCredit = 0
	c.creditUsedCheckpoint = 0
	c.writtenBuffers = 0
	c.waitingForCredit = false
	c.rxReady = 0
	n := c.rx.SlotCount()
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := c.postRecvSlot(i); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.started = true
	c.state = StateConnected
	c.mu.Unlock()
	c.m.ChannelsActive.Inc()
	return nil
}

func (c *Channel) postRecvSlot(idx int) error {
	buf := c.rx.Slot(idx)
	if err := c.poster.PostRecv(idx, buf); err != nil {
		return err
	}
	if err := c.rx.MarkFilled(1); err != nil {
		return err
	}
	return c.rx.MarkSubmitted(1)
}

// SendPacket enqueues a framed packet for transmission. cb, when
// non-nil, fires with OK once the frame's completion is observed.
// Returns NotConnected on a closed channel and InvalidPacket when the
// frame cannot fit one slot.
func (c *Channel) SendPacket(pkt *packet.Outgoing, cb func(status.Code)) status.Code {
	if err := pkt.PrepareForWriting(); err != nil {
		return status.InvalidPacket
	}
	if pkt.TotalSize() > c.MaxFrameSize() {
		return status.InvalidPacket
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		c.m.PacketsDropped.WithLabelValues("not_connected").Inc()
		return status.NotConnected
	}
	c.outgoing = append(c.outgoing, outgoingEntry{pkt: pkt, cb: cb})
	c.outstandingBytes += int64(pkt.TotalSize())
	c.m.OutstandingBytes.Set(float64(c.outstandingBytes))

	fireFull := false
	if !c.causedBackPressure {
		if c.outstandingBytes >= c.opts.HWMBytes {
			// Require sustained pressure before signaling, so one burst
			// does not flap the callback.
			c.numEnqueuesWithBufferFull++
			if c.numEnqueuesWithBufferFull > c.opts.HWMEnqueueCount {
				c.numEnqueuesWithBufferFull = 0
				c.causedBackPressure = true
				fireFull = true
			}
		} else {
			c.numEnqueuesWithBufferFull = 0
		}
	}
	c.mu.Unlock()

	if fireFull {
		c.m.BackPressureFires.Inc()
		if c.callbacks.OnBufferFull != nil {
			c.callbacks.OnBufferFull()
		}
	}

	c.pump()
	return status.OK
}

// Write places one framed packet directly into the next TX slot.
// Returns WriteWouldBlock (and latches waitingForCredit) when
// peerCredit is exhausted or fewer than three slots are free.
func (c *Channel) Write(pkt *packet.Outgoing) WriteStatus {
	if err := pkt.PrepareForWriting(); err != nil {
		return WriteFailed
	}
	if pkt.TotalSize() > c.MaxFrameSize() {
		return WriteFailed
	}

	c.postMu.Lock()
	defer c.postMu.Unlock()
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return WriteFailed
	}
	if !c.writeAllowedLocked() {
		c.waitingForCredit = true
		c.mu.Unlock()
		c.m.WriteWouldBlock.Inc()
		return WriteWouldBlock
	}
	c.outstandingBytes += int64(pkt.TotalSize())
	_, ok := c.placeAndPostLocked(pkt.Bytes(), false)
	if !ok {
		c.outstandingBytes -= int64(pkt.TotalSize())
	}
	c.mu.Unlock()
	if !ok {
		return WriteFailed
	}
	return WriteQueued
}

// writeAllowedLocked is the uniform write gate: peer credit available
// and more than two slots free (the reservation that keeps a
// credit-only post possible).
func (c *Channel) writeAllowedLocked() bool {
	return c.peerCredit > 0 && (c.opts.SlotCount-c.writtenBuffers) > 2
}

// placeAndPostLocked copies frame into the next TX slot, adorns the
// slot header, and posts. Called with the lock held; the slot is
// reserved (marked filled) before the lock is dropped across the
// provider post, so a concurrent writer cannot claim the same slot.
func (c *Channel) placeAndPostLocked(frame []byte, creditOnly bool) (int, bool) {
	idx, slot, ok := c.tx.AcquireWriteSlot()
	if !ok {
		return 0, false
	}
	if err := c.tx.MarkFilled(1); err != nil {
		c.logger.Error().Err(err).Msg("TX ring bookkeeping violated")
		return 0, false
	}
	binary.BigEndian.PutUint32(slot[0:4], uint32(len(frame)))

	advertised := c.availableCreditLocked()
	binary.BigEndian.PutUint32(slot[4:8], uint32(advertised))
	copy(slot[slotHeaderSize:], frame)
	total := slotHeaderSize + len(frame)
	c.tx.SetContentSize(idx, len(frame))

	poster := c.poster
	c.mu.Unlock()

	var err error
	for attempt := 0; ; attempt++ {
		if creditOnly {
			err = poster.PostCredit(idx, slot[:total])
		} else {
			err = poster.PostData(idx, slot[:total])
		}
		if err == nil || !errors.Is(err, fabric.ErrUnavailable) || attempt >= c.maxPostErrs {
			break
		}
		// Transient: post again at once. Completions are drained only by
		// the loop goroutine, never between these attempts.
		c.m.TransientRetries.Inc()
	}

	c.mu.Lock()
	if err != nil {
		c.logger.Error().Err(err).Int("slot", idx).Msg("Failed to post buffer")
		return idx, false
	}
	if err := c.tx.MarkSubmitted(1); err != nil {
		c.logger.Error().Err(err).Msg("TX ring bookkeeping violated")
		return idx, false
	}
	c.writtenBuffers++
	c.creditUsedCheckpoint += advertised
	if creditOnly {
		c.m.CreditOnlySent.Inc()
	} else {
		c.peerCredit--
		c.waitingForCredit = false
		c.m.PacketsSent.Inc()
		c.m.BytesSent.Add(float64(len(frame)))
	}
	return idx, true
}

// availableCreditLocked computes the unadvertised credit window,
// clamped to the usable slot count. A window above the clamp indicates
// peer misbehavior or a local bug and is logged as a protocol error.
func (c *Channel) availableCreditLocked() int {
	available := c.totalUsedCredit - c.creditUsedCheckpoint
	if available > c.usableSlots() {
		c.logger.Error().
			Int("available", available).
			Int("max", c.usableSlots()).
			Msg("Available credit exceeds usable slots")
		available = c.usableSlots()
	}
	if available < 0 {
		// creditUsedCheckpoint can never pass totalUsedCredit.
		c.logger.Error().Err(errCreditAccounting).Msg("Negative credit window")
		available = 0
	}
	return available
}

// pump drains the outgoing queue into TX slots while the write gate
// allows. Only one pump runs at a time; the lock is never held across
// a post.
func (c *Channel) pump() {
	c.postMu.Lock()
	c.mu.Lock()
	if c.pumping {
		c.mu.Unlock()
		c.postMu.Unlock()
		return
	}
	c.pumping = true

	for c.state == StateConnected && len(c.outgoing) > 0 && c.writeAllowedLocked() {
		entry := c.outgoing[0]
		c.outgoing = c.outgoing[1:]
		idx, ok := c.placeAndPostLocked(entry.pkt.Bytes(), false)
		if !ok {
			// Non-recoverable; fail the packet and close.
			c.outstandingBytes -= int64(entry.pkt.TotalSize())
			c.pumping = false
			c.mu.Unlock()
			c.postMu.Unlock()
			if entry.cb != nil {
				entry.cb(status.WriteError)
			}
			c.closeWith(status.WriteError)
			return
		}
		if entry.cb != nil {
			c.inflightCB[idx] = entry.cb
		}
	}
	if len(c.outgoing) > 0 && c.peerCredit <= 0 {
		c.waitingForCredit = true
		c.m.WriteWouldBlock.Inc()
	}
	c.pumping = false
	c.mu.Unlock()
	c.postMu.Unlock()
}

// OnWriteComplete is invoked by the event loop when count transmit
// completions for this channel were observed. Completions are observed
// in post order, so the oldest count TX slots retire.
func (c *Channel) OnWriteComplete(count int) {
	var completedBytes int
	var cbs []func(status.Code)

	c.mu.Lock()
	for i := 0; i < count; i++ {
		base := c.tx.Base()
		frameLen := c.tx.ContentSize(base)
		if err := c.tx.Release(1); err != nil {
			c.logger.Error().Err(err).Msg("TX ring release failed")
			c.mu.Unlock()
			c.closeWith(status.WriteError)
			return
		}
		c.writtenBuffers--
		if frameLen > 0 {
			completedBytes += frameLen
			// Mirrors the enqueue-side accounting: every data frame was
			// added at its framed size.
			c.outstandingBytes -= int64(frameLen)
			if cb, ok := c.inflightCB[base]; ok {
				cbs = append(cbs, cb)
				delete(c.inflightCB, base)
			}
		}
	}
	c.m.OutstandingBytes.Set(float64(c.outstandingBytes))

	fireEmpty := false
	if c.causedBackPressure && c.outstandingBytes <= c.opts.LWMBytes {
		c.causedBackPressure = false
		fireEmpty = true
	}
	closing := c.state == StateToBeDisconnected
	drained := closing && c.writtenBuffers == 0
	if drained {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if drained {
		c.m.ChannelsActive.Dec()
	}
	if closing {
		// In-flight posts complete without user callbacks.
		return
	}

	for _, cb := range cbs {
		if cb != nil {
			cb(status.OK)
		}
	}
	if fireEmpty && c.callbacks.OnBufferEmpty != nil {
		c.callbacks.OnBufferEmpty()
	}
	if completedBytes > 0 && c.callbacks.OnWriteComplete != nil {
		c.callbacks.OnWriteComplete(completedBytes)
	}

	c.pump()
	if c.callbacks.OnWriteReady != nil {
		c.callbacks.OnWriteReady()
	}
}

// OnReadComplete is invoked by the event loop when count receive
// completions for this channel were observed. In packet mode the new
// bytes are assembled into frames and delivered; otherwise the caller
// is signaled read-ready and drains via ReadData.
func (c *Channel) OnReadComplete(count int) {
	c.mu.Lock()
	if c.state == StateToBeDisconnected || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.rxReady += count
	// Consume credit-only frames immediately: a blocked writer must
	// not depend on the application reading data to learn about fresh
	// credit.
	reposts, writeReady := c.drainCreditSlotsLocked()
	c.mu.Unlock()

	for _, idx := range reposts {
		if err := c.repostSlot(idx); err != nil {
			c.CloseWithError(status.ReadError)
			return
		}
	}
	if writeReady {
		c.signalWriteReady()
	}

	if c.callbacks.OnNewPacket != nil {
		c.assemblePackets()
		return
	}
	if c.callbacks.OnReadReady != nil {
		c.callbacks.OnReadReady()
	}
}

// drainCreditSlotsLocked releases leading credit-only slots (declared
// length zero) and applies their advertisement. It stops at the first
// data slot, and never touches a slot mid-partial-read.
func (c *Channel) drainCreditSlotsLocked() ([]int, bool) {
	var reposts []int
	writeReady := false
	for c.rxReady > 0 && c.rx.CurrentReadIndex() == 0 {
		base, slot, ok := c.rx.HeadSlot()
		if !ok {
			break
		}
		length := int(binary.BigEndian.Uint32(slot[0:4]))
		if length != 0 {
			break
		}
		if c.applyPiggybackLocked(slot) {
			writeReady = true
		}
		c.releaseHeadLocked(false)
		reposts = append(reposts, base)
	}
	return reposts, writeReady
}

// ReadData copies up to len(buf) payload bytes from arrived slots,
// honoring partial reads: an unconsumed remainder stays addressable at
// currentReadIndex. A slot is released, re-posted, and counted as used
// credit only when its declared length is fully consumed.
func (c *Channel) ReadData(buf []byte) (int, error) {
	c.mu.Lock()
	n, repost, writeReady := c.readBytesLocked(buf)
	c.mu.Unlock()

	for _, idx := range repost {
		if err := c.repostSlot(idx); err != nil {
			return n, err
		}
	}
	c.creditMaintenance()
	if writeReady {
		c.signalWriteReady()
	}
	if n > 0 {
		c.m.BytesReceived.Add(float64(n))
	}
	return n, nil
}

// readBytesLocked moves bytes out of the RX ring. It returns the slots
// to re-post and whether a blocked writer became unblocked by
// piggybacked credit.
func (c *Channel) readBytesLocked(buf []byte) (int, []int, bool) {
	read := 0
	var repost []int
	writeReady := false

	for read < len(buf) && c.rxReady > 0 {
		base, slot, ok := c.rx.HeadSlot()
		if !ok {
			break
		}
		length := int(binary.BigEndian.Uint32(slot[0:4]))
		if c.applyPiggybackLocked(slot) {
			writeReady = true
		}

		idx := c.rx.CurrentReadIndex()
		need := length - idx
		canCopy := len(buf) - read
		if canCopy >= need {
			canCopy = need
			c.rx.SetCurrentReadIndex(0)
			c.releaseHeadLocked(length > 0)
			repost = append(repost, base)
		} else {
			c.rx.SetCurrentReadIndex(idx + canCopy)
		}
		copy(buf[read:read+canCopy], slot[slotHeaderSize+idx:slotHeaderSize+idx+canCopy])
		read += canCopy
		if canCopy == 0 && need == 0 {
			// Credit-only slot: nothing to copy, already released.
			continue
		}
	}
	return read, repost, writeReady
}

// applyPiggybackLocked folds the slot's credit field into peerCredit,
// clamped to the usable window, then zeroes it so a resumed partial
// read does not double-count.
func (c *Channel) applyPiggybackLocked(slot []byte) bool {
	credit := int(binary.BigEndian.Uint32(slot[4:8]))
	if credit == 0 {
		return false
	}
	c.peerCredit += credit
	if c.peerCredit > c.usableSlots() {
		c.logger.Warn().Int("peer_credit", c.peerCredit).Msg("Peer credit above usable window, clamping")
		c.peerCredit = c.usableSlots()
	}
	binary.BigEndian.PutUint32(slot[4:8], 0)
	return c.waitingForCredit
}

// releaseHeadLocked retires the head RX slot. Data slots count toward
// the used-credit window; credit-only slots do not (their sender never
// spent credit on them).
func (c *Channel) releaseHeadLocked(countCredit bool) {
	if err := c.rx.Release(1); err != nil {
		c.logger.Error().Err(err).Msg("RX ring release failed")
		return
	}
	c.rxReady--
	if countCredit {
		c.totalUsedCredit++
	}
}

func (c *Channel) repostSlot(idx int) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	poster := c.poster
	buf := c.rx.Slot(idx)
	c.mu.Unlock()

	if err := poster.PostRecv(idx, buf); err != nil {
		c.logger.Error().Err(err).Int("slot", idx).Msg("Failed to re-post receive buffer")
		return err
	}
	c.mu.Lock()
	err1 := c.rx.MarkFilled(1)
	err2 := c.rx.MarkSubmitted(1)
	c.mu.Unlock()
	if err1 != nil {
		return err1
	}
	return err2
}

// creditMaintenance emits an explicit credit-only packet once the
// unadvertised window reaches half the usable slots.
func (c *Channel) creditMaintenance() {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postCreditIfNeededLocked()
}

// PostCreditIfNeeded is the exported maintenance hook for loops that
// drive many channels.
func (c *Channel) PostCreditIfNeeded() {
	c.creditMaintenance()
}

func (c *Channel) postCreditIfNeededLocked() {
	if c.state != StateConnected {
		return
	}
	available := c.totalUsedCredit - c.creditUsedCheckpoint
	if available < c.opts.SlotCount/2-1 {
		return
	}
	if c.tx.AvailableWriteSpace() == 0 {
		c.logger.Error().
			Int("peer_credit", c.peerCredit).
			Int("total_used", c.totalUsedCredit).
			Int("checkpoint", c.creditUsedCheckpoint).
			Msg("No free slot to post credit")
		return
	}
	// Zero-length frame: header only, credit in the piggyback field.
	_, _ = c.placeAndPostLocked(nil, true)
}

// signalWriteReady pumps queued packets and fires the write-ready hook.
func (c *Channel) signalWriteReady() {
	c.pump()
	if c.callbacks.OnWriteReady != nil {
		c.callbacks.OnWriteReady()
	}
}

// WaitingForCredit reports whether a write was refused for lack of
// credit since the last successful write.
func (c *Channel) WaitingForCredit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForCredit
}

// PeerCredit returns the currently known free slots at the peer.
func (c *Channel) PeerCredit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCredit
}

// Close marks the channel TO_BE_DISCONNECTED and resets the RX ring at
// once, abandoning outstanding receive posts. In-flight sends complete
// but produce no further user callbacks; once they drain the channel
// reaches DISCONNECTED.
func (c *Channel) Close() {
	c.closeWith(status.OK)
}

func (c *Channel) closeWith(code status.Code) {
	c.mu.Lock()
	if c.state == StateToBeDisconnected || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateToBeDisconnected
	c.outgoing = nil
	c.inflightCB = make(map[int]func(status.Code))
	drained := c.writtenBuffers == 0
	if drained {
		c.state = StateDisconnected
	}
	// Outstanding receive posts are abandoned; reset the RX ring so a
	// finished session leaves both rings empty.
	c.resetRingsLocked()
	c.mu.Unlock()

	if drained {
		c.m.ChannelsActive.Dec()
	}
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose(code)
	}
}

func (c *Channel) resetRingsLocked() {
	for c.rx.SubmittedCount() > 0 {
		if err := c.rx.Release(1); err != nil {
			break
		}
	}
	c.rxReady = 0
}

// CloseWithError closes the channel reporting the given code; used by
// loops when a fatal framing or protocol error is detected.
func (c *Channel) CloseWithError(code status.Code) {
	if code == status.InvalidPacket {
		c.m.InvalidPackets.Inc()
	}
	c.closeWith(code)
}

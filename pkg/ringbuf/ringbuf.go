// Package ringbuf implements the fixed-slot carousel that backs each
// side of a channel.
//
// A Ring carves one contiguous (provider-registered) region into N
// equal slots and tracks them with three monotonically advancing
// counters, all modulo N:
//
//	base      - next slot to be released (oldest in use)
//	filled    - count of slots holding valid data
//	submitted - count of slots currently committed to the provider
//
// Invariant: 0 <= submitted <= filled <= N. On the send side a slot is
// filled when user bytes are copied in and submitted once posted; on
// the receive side a slot is marked both filled and submitted when it
// is posted for receive, and arrived data is tracked by the caller.
package ringbuf

import (
	"errors"
	"sync"
)

var (
	// ErrOverflow is returned when an increment would break
	// submitted <= filled <= N. It indicates a bookkeeping bug in the
	// caller, not a recoverable transport condition.
	ErrOverflow = errors.New("ringbuf: counter overflow")

	// ErrUnderflow is returned when releasing more slots than are
	// filled or submitted.
	ErrUnderflow = errors.New("ringbuf: release underflow")
)

// Ring is a fixed array of equal-sized slots over a contiguous region.
//
// Thread safety: all methods take the ring's single mutex. Callers
// that need a compound operation (inspect then mutate) should use the
// channel-level lock instead of composing ring calls.
type Ring struct {
	mu sync.Mutex

	region   []byte // the whole registered region
	slotSize int
	n        int

	base      int // index of the oldest in-use slot
	filled    int // slots holding valid data
	submitted int // slots committed to the provider (<= filled)

	contentSizes []int // per-slot byte counts for bookkeeping

	// currentReadIndex tracks bytes consumed within the head slot so a
	// partial read can resume where it stopped.
	currentReadIndex int
}

// New splits region into n equal slots. The region length must be an
// exact multiple of n.
func New(region []byte, n int) (*Ring, error) {
	if n <= 0 {
		return nil, errors.New("ringbuf: slot count must be positive")
	}
	if len(region)%n != 0 {
		return nil, errors.New("ringbuf: region not divisible into equal slots")
	}
	return &Ring{
		region:       region,
		slotSize:     len(region) / n,
		n:            n,
		contentSizes: make([]int, n),
	}, nil
}

// SlotCount returns N.
func (r *Ring) SlotCount() int { return r.n }

// SlotSize returns the byte capacity of one slot.
func (r *Ring) SlotSize() int { return r.slotSize }

// Region returns the whole backing region, for memory registration.
func (r *Ring) Region() []byte { return r.region }

// Slot returns the raw bytes of slot i.
func (r *Ring) Slot(i int) []byte {
	return r.region[i*r.slotSize : (i+1)*r.slotSize]
}

// AcquireWriteSlot returns the next writable slot index and its bytes.
// It succeeds while filled < N; the caller fills the slot and then
// calls MarkFilled(1).
func (r *Ring) AcquireWriteSlot() (int, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled >= r.n {
		return 0, nil, false
	}
	idx := (r.base + r.filled) % r.n
	return idx, r.Slot(idx), true
}

// MarkFilled records n more slots as holding valid data.
func (r *Ring) MarkFilled(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled+n > r.n {
		return ErrOverflow
	}
	r.filled += n
	return nil
}

// MarkSubmitted records n more slots as committed to the provider.
func (r *Ring) MarkSubmitted(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitted+n > r.filled {
		return ErrOverflow
	}
	r.submitted += n
	return nil
}

// Release retires the n oldest slots: base advances, filled and
// submitted both shrink. Fails if n exceeds either count.
func (r *Ring) Release(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.filled || n > r.submitted {
		return ErrUnderflow
	}
	r.base = (r.base + n) % r.n
	r.filled -= n
	r.submitted -= n
	return nil
}

// HeadSlot returns the index and bytes of the slot at base, or false
// when no slot is filled.
func (r *Ring) HeadSlot() (int, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0, nil, false
	}
	return r.base, r.Slot(r.base), true
}

// Base returns the index of the oldest in-use slot.
func (r *Ring) Base() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base
}

// FilledCount returns the number of slots holding valid data.
func (r *Ring) FilledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}

// SubmittedCount returns the number of slots committed to the provider.
func (r *Ring) SubmittedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted
}

// AvailableWriteSpace returns the number of free slots.
func (r *Ring) AvailableWriteSpace() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n - r.filled
}

// NextWriteIndex returns the slot index AcquireWriteSlot would hand out.
func (r *Ring) NextWriteIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.base + r.filled) % r.n
}

// ContentSize returns the recorded byte count of slot i.
func (r *Ring) ContentSize(i int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentSizes[i]
}

// SetContentSize records the byte count of slot i.
func (r *Ring) SetContentSize(i, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contentSizes[i] = n
}

// CurrentReadIndex returns the resume offset within the head slot.
func (r *Ring) CurrentReadIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentReadIndex
}

// SetCurrentReadIndex stores the resume offset within the head slot.
func (r *Ring) SetCurrentReadIndex(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentReadIndex = n
}

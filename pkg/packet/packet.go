// Package packet implements the length-prefixed framing shared by both
// fabric modes.
//
// Wire layout of a framed packet body (all length fields big-endian):
//
//	4 bytes  type_name length
//	n bytes  type_name
//	32 bytes request id
//	4 bytes  payload length
//	m bytes  encoded payload
//
// The body is preceded on the wire by a 4-byte big-endian header
// carrying the body length. Credit-only packets have body length zero
// and no body fields.
package packet

import (
	"encoding/binary"
	"errors"

	"fabstream/pkg/payload"
)

// HeaderSize is the fixed outer frame header: the body length field.
const HeaderSize = 4

var (
	// ErrRange is returned when a pack or unpack would run past the
	// declared packet size. The cursor is left untouched.
	ErrRange = errors.New("packet: field exceeds packet bounds")

	// ErrNotFull is returned by PrepareForWriting when the packet was
	// sized for more data than was packed.
	ErrNotFull = errors.New("packet: packed size does not match declared size")
)

// SetFrameSize writes the body length into a frame header.
func SetFrameSize(header []byte, size uint32) {
	binary.BigEndian.PutUint32(header, size)
}

// FrameSize reads the body length from a frame header.
func FrameSize(header []byte) uint32 {
	return binary.BigEndian.Uint32(header)
}

// SizeRequiredForString reports the encoded size of a string field.
func SizeRequiredForString(s string) int {
	return 4 + len(s)
}

// SizeRequiredForPayload reports the encoded size of a payload field
// whose serialized form is byteSize bytes.
func SizeRequiredForPayload(byteSize int) int {
	return 4 + byteSize
}

// DataSize reports the full body size of a packet carrying the given
// type name and payload byte size: string + request id + payload.
func DataSize(typeName string, payloadSize int) int {
	return SizeRequiredForString(typeName) + RequestIDSize + SizeRequiredForPayload(payloadSize)
}

// Outgoing is a packet being packed for transmission. The constructor
// takes the exact body size; packing mandates the caller knows the
// size up front so the frame can be written into a single ring slot.
type Outgoing struct {
	data     []byte // header + body
	position int    // pack cursor, starts past the header
}

// NewOutgoing allocates an outgoing packet with a body of exactly
// bodySize bytes.
func NewOutgoing(bodySize int) *Outgoing {
	p := &Outgoing{
		data:     make([]byte, HeaderSize+bodySize),
		position: HeaderSize,
	}
	SetFrameSize(p.data, uint32(bodySize))
	return p
}

// TotalSize returns header plus body length.
func (p *Outgoing) TotalSize() int { return len(p.data) }

// BytesFilled returns the current pack cursor.
func (p *Outgoing) BytesFilled() int { return p.position }

// BytesLeft returns the space remaining for packing.
func (p *Outgoing) BytesLeft() int { return len(p.data) - p.position }

// Bytes returns the framed packet (header + body). Valid only after
// PrepareForWriting.
func (p *Outgoing) Bytes() []byte { return p.data }

// PackInt appends a 32-bit integer in network byte order.
func (p *Outgoing) PackInt(i int32) error {
	if p.position+4 > len(p.data) {
		return ErrRange
	}
	binary.BigEndian.PutUint32(p.data[p.position:], uint32(i))
	p.position += 4
	return nil
}

// PackString appends a length-prefixed string.
func (p *Outgoing) PackString(s string) error {
	if p.position+4+len(s) > len(p.data) {
		return ErrRange
	}
	// Length check above covers both fields, so PackInt cannot fail
	// and the no-partial-advance contract holds.
	_ = p.PackInt(int32(len(s)))
	copy(p.data[p.position:], s)
	p.position += len(s)
	return nil
}

// PackRequestID appends the fixed 32-byte request id.
func (p *Outgoing) PackRequestID(id RequestID) error {
	if p.position+RequestIDSize > len(p.data) {
		return ErrRange
	}
	copy(p.data[p.position:], id[:])
	p.position += RequestIDSize
	return nil
}

// PackPayload appends a length-prefixed encoded payload. declaredSize
// must exactly match the payload's serialized size.
func (p *Outgoing) PackPayload(pl payload.Payload, declaredSize int) error {
	if p.position+4+declaredSize > len(p.data) {
		return ErrRange
	}
	_ = p.PackInt(int32(declaredSize))
	if err := pl.SerializeInto(p.data[p.position : p.position+declaredSize]); err != nil {
		p.position -= 4 // undo the length field; never partially advance
		return err
	}
	p.position += declaredSize
	return nil
}

// PrepareForWriting asserts the packet is exactly full and rewinds the
// cursor for transmission.
func (p *Outgoing) PrepareForWriting() error {
	if p.position != len(p.data) {
		return ErrNotFull
	}
	p.position = 0
	return nil
}

// Incoming is a packet being consumed. The header and body are
// assembled by the channel (possibly across several reads) before any
// unpack call.
type Incoming struct {
	maxPacketSize uint32
	header        [HeaderSize]byte
	data          []byte
	position      int
}

// NewIncoming returns an incoming packet accepting bodies up to
// maxPacketSize bytes. Zero means no limit.
func NewIncoming(maxPacketSize uint32) *Incoming {
	return &Incoming{maxPacketSize: maxPacketSize}
}

// NewIncomingFromBytes builds an incoming packet from a raw frame
// (header + body). Used by tests and the datagram path, where a frame
// always arrives whole in one slot.
func NewIncomingFromBytes(frame []byte) (*Incoming, error) {
	if len(frame) < HeaderSize {
		return nil, ErrRange
	}
	size := FrameSize(frame)
	if int(size) > len(frame)-HeaderSize {
		return nil, ErrRange
	}
	p := &Incoming{}
	copy(p.header[:], frame)
	p.data = make([]byte, size)
	copy(p.data, frame[HeaderSize:HeaderSize+size])
	return p, nil
}

// Header exposes the header bytes for assembly.
func (p *Incoming) Header() []byte { return p.header[:] }

// BodySize returns the body length declared in the header.
func (p *Incoming) BodySize() uint32 { return FrameSize(p.header[:]) }

// MaxPacketSize returns the configured body limit (0 = unlimited).
func (p *Incoming) MaxPacketSize() uint32 { return p.maxPacketSize }

// AllocateBody allocates the body buffer after the header is complete.
// It fails when the declared length exceeds the configured maximum;
// the channel treats that as a fatal framing error.
func (p *Incoming) AllocateBody() error {
	size := p.BodySize()
	if p.maxPacketSize != 0 && size > p.maxPacketSize {
		return ErrRange
	}
	p.data = make([]byte, size)
	p.position = 0
	return nil
}

// Body exposes the body bytes for assembly.
func (p *Incoming) Body() []byte { return p.data }

// TotalSize returns header plus body length.
func (p *Incoming) TotalSize() int { return HeaderSize + len(p.data) }

// Reset rewinds the unpack cursor to the start of the body.
func (p *Incoming) Reset() { p.position = 0 }

// UnpackInt reads a 32-bit big-endian integer.
func (p *Incoming) UnpackInt(i *int32) error {
	if p.data == nil || p.position+4 > len(p.data) {
		return ErrRange
	}
	*i = int32(binary.BigEndian.Uint32(p.data[p.position:]))
	p.position += 4
	return nil
}

// UnpackString reads a length-prefixed string.
func (p *Incoming) UnpackString(s *string) error {
	var size int32
	savedPos := p.position
	if err := p.UnpackInt(&size); err != nil {
		return err
	}
	if size < 0 || p.position+int(size) > len(p.data) {
		p.position = savedPos
		return ErrRange
	}
	*s = string(p.data[p.position : p.position+int(size)])
	p.position += int(size)
	return nil
}

// UnpackRequestID reads the fixed 32-byte request id.
func (p *Incoming) UnpackRequestID(id *RequestID) error {
	if p.position+RequestIDSize > len(p.data) {
		return ErrRange
	}
	copy(id[:], p.data[p.position:])
	p.position += RequestIDSize
	return nil
}

// UnpackPayload reads a length-prefixed payload into out.
func (p *Incoming) UnpackPayload(out payload.Payload) error {
	var size int32
	savedPos := p.position
	if err := p.UnpackInt(&size); err != nil {
		return err
	}
	if size < 0 || p.position+int(size) > len(p.data) {
		p.position = savedPos
		return ErrRange
	}
	if err := out.ParseFrom(p.data[p.position : p.position+int(size)]); err != nil {
		p.position = savedPos
		return err
	}
	p.position += int(size)
	return nil
}

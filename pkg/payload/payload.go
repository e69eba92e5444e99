// Package payload defines the self-describing encoding contract that
// user payloads must satisfy, plus the two adapters shipped with the
// library: a raw byte payload and a protobuf wrapper.
package payload

import "errors"

// ErrShortBuffer is returned when a serialize target is smaller than
// ByteSize reported.
var ErrShortBuffer = errors.New("payload: buffer too small")

// Payload is a self-describing encodable message. TypeName doubles as
// the dispatch key on the wire, so two payload kinds exchanged over one
// channel must report distinct names.
type Payload interface {
	// TypeName identifies the payload schema.
	TypeName() string
	// ByteSize reports the exact encoded size.
	ByteSize() int
	// SerializeInto writes exactly ByteSize bytes into buf.
	SerializeInto(buf []byte) error
	// ParseFrom replaces the payload contents with the decoded buf.
	ParseFrom(buf []byte) error
}

// Factory produces an empty payload for decoding.
type Factory func() Payload

// Raw is a named opaque byte payload, used by the examples and tests.
type Raw struct {
	Name string
	Data []byte
}

// NewRaw returns a Raw payload with the given type name and contents.
func NewRaw(name string, data []byte) *Raw {
	return &Raw{Name: name, Data: data}
}

// RawFactory returns a Factory producing empty Raw payloads of name.
func RawFactory(name string) Factory {
	return func() Payload { return &Raw{Name: name} }
}

func (r *Raw) TypeName() string { return r.Name }

func (r *Raw) ByteSize() int { return len(r.Data) }

func (r *Raw) SerializeInto(buf []byte) error {
	if len(buf) < len(r.Data) {
		return ErrShortBuffer
	}
	copy(buf, r.Data)
	return nil
}

func (r *Raw) ParseFrom(buf []byte) error {
	r.Data = make([]byte, len(buf))
	copy(r.Data, buf)
	return nil
}

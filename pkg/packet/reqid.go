package packet

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// RequestIDSize is the fixed wire size of a request id.
const RequestIDSize = 32

// RequestID is the opaque correlator between a request and its
// response. The zero value is reserved for unsolicited messages.
type RequestID [RequestIDSize]byte

// IsZero reports whether the id is the reserved message id.
func (id RequestID) IsZero() bool {
	return id == RequestID{}
}

// String renders the id in hex for logging.
func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// NewRequestID generates a fresh id from two random UUIDs. Collision
// probability over a process lifetime is negligible (256 random bits
// minus the 12 UUID version/variant bits).
func NewRequestID() RequestID {
	var id RequestID
	a := uuid.New()
	b := uuid.New()
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return id
}

// ZeroRequestID returns the reserved message id.
func ZeroRequestID() RequestID {
	return RequestID{}
}

package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabstream/pkg/payload"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	pl := payload.NewRaw("echo", []byte("ping"))
	id := NewRequestID()

	bodySize := DataSize(pl.TypeName(), pl.ByteSize())
	out := NewOutgoing(bodySize)
	require.NoError(t, out.PackString(pl.TypeName()))
	require.NoError(t, out.PackRequestID(id))
	require.NoError(t, out.PackPayload(pl, pl.ByteSize()))
	require.NoError(t, out.PrepareForWriting())

	in, err := NewIncomingFromBytes(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(bodySize), in.BodySize())

	var typeName string
	require.NoError(t, in.UnpackString(&typeName))
	assert.Equal(t, "echo", typeName)

	var gotID RequestID
	require.NoError(t, in.UnpackRequestID(&gotID))
	assert.Equal(t, id, gotID)

	got := &payload.Raw{Name: "echo"}
	require.NoError(t, in.UnpackPayload(got))
	assert.Equal(t, []byte("ping"), got.Data)
}

func TestPackIntBigEndian(t *testing.T) {
	out := NewOutgoing(4)
	require.NoError(t, out.PackInt(0x01020304))
	require.NoError(t, out.PrepareForWriting())
	// Header carries the body length, body carries the int, both BE.
	assert.Equal(t, []byte{0, 0, 0, 4, 1, 2, 3, 4}, out.Bytes())
}

func TestPackNeverPartiallyAdvances(t *testing.T) {
	out := NewOutgoing(6)
	filled := out.BytesFilled()

	// String needs 4+4 bytes but only 6 remain.
	assert.ErrorIs(t, out.PackString("long"), ErrRange)
	assert.Equal(t, filled, out.BytesFilled())

	assert.ErrorIs(t, out.PackRequestID(NewRequestID()), ErrRange)
	assert.Equal(t, filled, out.BytesFilled())

	pl := payload.NewRaw("x", []byte("abcdefgh"))
	assert.ErrorIs(t, out.PackPayload(pl, pl.ByteSize()), ErrRange)
	assert.Equal(t, filled, out.BytesFilled())
}

func TestPrepareForWritingRequiresExactFill(t *testing.T) {
	out := NewOutgoing(8)
	require.NoError(t, out.PackInt(7))
	assert.ErrorIs(t, out.PrepareForWriting(), ErrNotFull)
	require.NoError(t, out.PackInt(8))
	assert.NoError(t, out.PrepareForWriting())
}

func TestUnpackNeverPartiallyAdvances(t *testing.T) {
	out := NewOutgoing(4)
	require.NoError(t, out.PackInt(100)) // looks like a 100-byte string length
	require.NoError(t, out.PrepareForWriting())

	in, err := NewIncomingFromBytes(out.Bytes())
	require.NoError(t, err)

	var s string
	assert.ErrorIs(t, in.UnpackString(&s), ErrRange)

	// The cursor must still be at the start: the length field itself
	// remains readable as an int.
	var i int32
	require.NoError(t, in.UnpackInt(&i))
	assert.Equal(t, int32(100), i)
}

func TestAllocateBodyEnforcesMax(t *testing.T) {
	in := NewIncoming(16)
	SetFrameSize(in.Header(), 17)
	assert.ErrorIs(t, in.AllocateBody(), ErrRange)

	SetFrameSize(in.Header(), 16)
	require.NoError(t, in.AllocateBody())
	assert.Len(t, in.Body(), 16)
}

func TestIncomingFromShortFrame(t *testing.T) {
	_, err := NewIncomingFromBytes([]byte{0, 0})
	assert.ErrorIs(t, err, ErrRange)

	// Declared body longer than the frame actually is.
	frame := []byte{0, 0, 0, 9, 1, 2}
	_, err = NewIncomingFromBytes(frame)
	assert.ErrorIs(t, err, ErrRange)
}

func TestRequestIDZeroReserved(t *testing.T) {
	assert.True(t, ZeroRequestID().IsZero())

	id := NewRequestID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, NewRequestID(), id, "two generated ids must differ")
	assert.Len(t, id.String(), 64)
}

func TestSizeHelpers(t *testing.T) {
	assert.Equal(t, 4+4, SizeRequiredForString("echo"))
	assert.Equal(t, 4+10, SizeRequiredForPayload(10))
	assert.Equal(t, 8+RequestIDSize+14, DataSize("echo", 10))
}

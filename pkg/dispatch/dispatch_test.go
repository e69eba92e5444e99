package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabstream/pkg/packet"
	"fabstream/pkg/payload"
	"fabstream/pkg/status"
)

// loopbackSink delivers every accepted packet to a peer dispatcher,
// optionally dropping instead (for timeout tests).
type loopbackSink struct {
	mu   sync.Mutex
	peer *Dispatcher
	drop bool
}

func (s *loopbackSink) MaxFrameSize() int { return 64 * 1024 }

func (s *loopbackSink) SendPacket(pkt *packet.Outgoing, cb func(status.Code)) status.Code {
	s.mu.Lock()
	peer, drop := s.peer, s.drop
	s.mu.Unlock()
	if drop || peer == nil {
		return status.OK
	}
	in, err := packet.NewIncomingFromBytes(pkt.Bytes())
	if err != nil {
		return status.InvalidPacket
	}
	if cb != nil {
		cb(status.OK)
	}
	peer.OnPacket(in)
	return status.OK
}

func pair(t *testing.T) (*Dispatcher, *Dispatcher, *loopbackSink, *loopbackSink) {
	t.Helper()
	sa, sb := &loopbackSink{}, &loopbackSink{}
	a := New(sa, zerolog.Nop(), nil)
	b := New(sb, zerolog.Nop(), nil)
	sa.peer, sb.peer = b, a
	return a, b, sa, sb
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a, b, _, _ := pair(t)

	// B answers "ask" requests with a "reply".
	require.Equal(t, status.OK, b.InstallRequestHandler(payload.RawFactory("ask"),
		func(id packet.RequestID, req payload.Payload) {
			assert.Equal(t, []byte("ping"), req.(*payload.Raw).Data)
			code := b.SendResponse(id, payload.NewRaw("reply", []byte("pong")))
			assert.Equal(t, status.OK, code)
		}))

	type result struct {
		ctx  any
		data []byte
		code status.Code
	}
	results := make(chan result, 1)
	require.Equal(t, status.OK, a.InstallResponseHandler(
		payload.RawFactory("ask"), payload.RawFactory("reply"),
		func(ctx any, resp payload.Payload, code status.Code) {
			var data []byte
			if resp != nil {
				data = resp.(*payload.Raw).Data
			}
			results <- result{ctx: ctx, data: data, code: code}
		}))

	userCtx := &struct{ tag string }{tag: "ctx"}
	code := a.SendRequest(payload.NewRaw("ask", []byte("ping")), userCtx, 0)
	require.Equal(t, status.OK, code)

	select {
	case r := <-results:
		assert.Equal(t, status.OK, r.code)
		assert.Equal(t, []byte("pong"), r.data)
		assert.Same(t, userCtx, r.ctx)
	case <-time.After(time.Second):
		t.Fatal("response handler never fired")
	}
	assert.Equal(t, 0, a.PendingCount())
}

func TestRequestTimeout(t *testing.T) {
	a, _, sa, _ := pair(t)
	sa.drop = true // B never sees the request

	results := make(chan status.Code, 1)
	require.Equal(t, status.OK, a.InstallResponseHandler(
		payload.RawFactory("ask"), payload.RawFactory("reply"),
		func(ctx any, resp payload.Payload, code status.Code) {
			assert.Nil(t, resp, "timeout must deliver a nil payload")
			results <- code
		}))

	require.Equal(t, status.OK,
		a.SendRequest(payload.NewRaw("ask", []byte("ping")), nil, 100*time.Millisecond))
	require.Equal(t, 1, a.PendingCount())

	select {
	case code := <-results:
		assert.Equal(t, status.Timeout, code)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Equal(t, 0, a.PendingCount())
}

func TestLateResponseSilentlyDropped(t *testing.T) {
	a, _, _, _ := pair(t)

	fires := make(chan status.Code, 2)
	require.Equal(t, status.OK, a.InstallResponseHandler(
		payload.RawFactory("ask"), payload.RawFactory("reply"),
		func(ctx any, resp payload.Payload, code status.Code) { fires <- code }))

	// A response whose id was never issued (or already timed out).
	pkt := encodeFor(t, "reply", packet.NewRequestID(), []byte("pong"))
	a.OnPacket(pkt)

	select {
	case code := <-fires:
		t.Fatalf("handler fired with %s for an unknown id", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMessageHandlerSkipsRequestID(t *testing.T) {
	a, b, _, _ := pair(t)

	msgs := make(chan []byte, 1)
	require.Equal(t, status.OK, b.InstallMessageHandler(payload.RawFactory("event"),
		func(msg payload.Payload) { msgs <- msg.(*payload.Raw).Data }))

	require.Equal(t, status.OK, a.SendMessage(payload.NewRaw("event", []byte("hello"))))

	select {
	case data := <-msgs:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(time.Second):
		t.Fatal("message handler never fired")
	}
}

func TestDuplicateHandlerInstall(t *testing.T) {
	a, _, _, _ := pair(t)
	require.Equal(t, status.OK, a.InstallMessageHandler(payload.RawFactory("event"), func(payload.Payload) {}))
	assert.Equal(t, status.DuplicateOn, a.InstallMessageHandler(payload.RawFactory("event"), func(payload.Payload) {}))
	assert.Equal(t, status.DuplicateOn, a.InstallRequestHandler(payload.RawFactory("event"), func(packet.RequestID, payload.Payload) {}))
}

func TestUnknownTypeDropped(t *testing.T) {
	a, _, _, _ := pair(t)
	// No handlers installed at all; must not panic, must not route.
	a.OnPacket(encodeFor(t, "mystery", packet.ZeroRequestID(), []byte("x")))
}

func TestSendRequestWithoutResponseHandler(t *testing.T) {
	a, _, _, _ := pair(t)
	code := a.SendRequest(payload.NewRaw("ask", []byte("ping")), nil, 0)
	assert.Equal(t, status.WriteError, code)
}

func encodeFor(t *testing.T, typeName string, id packet.RequestID, data []byte) *packet.Incoming {
	t.Helper()
	pl := payload.NewRaw(typeName, data)
	out := packet.NewOutgoing(packet.DataSize(typeName, pl.ByteSize()))
	require.NoError(t, out.PackString(typeName))
	require.NoError(t, out.PackRequestID(id))
	require.NoError(t, out.PackPayload(pl, pl.ByteSize()))
	require.NoError(t, out.PrepareForWriting())
	in, err := packet.NewIncomingFromBytes(out.Bytes())
	require.NoError(t, err)
	return in
}

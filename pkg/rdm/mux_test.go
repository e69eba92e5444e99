package rdm

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabstream/pkg/channel"
	"fabstream/pkg/fabric/memfab"
	"fabstream/pkg/packet"
	"fabstream/pkg/payload"
	"fabstream/pkg/status"
)

func pingPacket(t *testing.T, n int32) *packet.Outgoing {
	t.Helper()
	pl := payload.NewRaw("ping", []byte{byte(n)})
	out := packet.NewOutgoing(packet.DataSize("ping", pl.ByteSize()))
	require.NoError(t, out.PackString("ping"))
	require.NoError(t, out.PackRequestID(packet.ZeroRequestID()))
	require.NoError(t, out.PackPayload(pl, pl.ByteSize()))
	return out
}

func TestMultiplexDispatch(t *testing.T) {
	net := memfab.NewNetwork()

	var mu sync.Mutex
	counts := make(map[uint16]int)

	recv, err := New(Options{
		StreamID:  1,
		Addr:      "recv",
		SlotCount: 4,
		SlotSize:  4096,
		Logger:    zerolog.Nop(),
		ChannelCallbacks: func(peerStream uint16) channel.Callbacks {
			return channel.Callbacks{
				OnNewPacket: func(p *packet.Incoming) {
					var typeName string
					require.NoError(t, p.UnpackString(&typeName))
					require.Equal(t, "ping", typeName)
					mu.Lock()
					counts[peerStream]++
					mu.Unlock()
				},
			}
		},
	}, net.NewProvider())
	require.NoError(t, err)
	recv.Start()
	defer recv.Stop()

	confirms := make(chan uint16, 3)
	streams := []uint16{10, 11, 12}
	for _, sid := range streams {
		sid := sid
		m, err := New(Options{
			StreamID:  sid,
			Addr:      "peer" + string(rune('a'+sid-10)),
			SlotCount: 4,
			SlotSize:  4096,
			Logger:    zerolog.Nop(),
			OnConfirm: func(peer uint16) { confirms <- sid },
		}, net.NewProvider())
		require.NoError(t, err)
		m.Start()
		defer m.Stop()

		ch, err := m.Connect(recv.RawAddress(), 1)
		require.NoError(t, err)

		for i := int32(0); i < 2; i++ {
			require.Equal(t, status.OK, ch.SendPacket(pingPacket(t, i), nil))
		}
	}

	// Every sender gets its confirm.
	got := map[uint16]bool{}
	for range streams {
		select {
		case sid := <-confirms:
			got[sid] = true
		case <-time.After(2 * time.Second):
			t.Fatal("connect confirm never arrived")
		}
	}
	assert.Len(t, got, 3)

	// Three distinct channels, two packets each, none misrouted.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) == 3 &&
			counts[10] == 2 && counts[11] == 2 && counts[12] == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, recv.ChannelCount())
}

func TestStatsReconciliation(t *testing.T) {
	net := memfab.NewNetwork()
	recv, err := New(Options{
		StreamID: 1, Addr: "r", SlotCount: 4, SlotSize: 4096,
		Logger: zerolog.Nop(),
		ChannelCallbacks: func(uint16) channel.Callbacks {
			return channel.Callbacks{OnNewPacket: func(*packet.Incoming) {}}
		},
	}, net.NewProvider())
	require.NoError(t, err)
	recv.Start()
	defer recv.Stop()

	send, err := New(Options{
		StreamID: 2, Addr: "s", SlotCount: 4, SlotSize: 4096,
		Logger: zerolog.Nop(),
	}, net.NewProvider())
	require.NoError(t, err)
	send.Start()
	defer send.Stop()

	ch, err := send.Connect(recv.RawAddress(), 1)
	require.NoError(t, err)
	for i := int32(0); i < 6; i++ {
		require.Equal(t, status.OK, ch.SendPacket(pingPacket(t, i), nil))
	}

	require.Eventually(t, func() bool {
		s := send.ReconcileStats()
		// The aggregate is a pure sum of per-channel counters: posted
		// completions can never exceed posts.
		return s.TxSeq >= s.TxCqCntr && s.TxSeq >= 6 && s.TxCqCntr >= 6
	}, 2*time.Second, 5*time.Millisecond)

	r := recv.ReconcileStats()
	assert.GreaterOrEqual(t, r.RxSeq, r.RxCqCntr)
}

func TestConnectIsIdempotentPerPeer(t *testing.T) {
	net := memfab.NewNetwork()
	recv, err := New(Options{
		StreamID: 1, Addr: "r", SlotCount: 4, SlotSize: 4096, Logger: zerolog.Nop(),
	}, net.NewProvider())
	require.NoError(t, err)
	recv.Start()
	defer recv.Stop()

	send, err := New(Options{
		StreamID: 2, Addr: "s", SlotCount: 4, SlotSize: 4096, Logger: zerolog.Nop(),
	}, net.NewProvider())
	require.NoError(t, err)
	send.Start()
	defer send.Stop()

	ch1, err := send.Connect(recv.RawAddress(), 1)
	require.NoError(t, err)
	ch2, err := send.Connect(recv.RawAddress(), 1)
	require.NoError(t, err)
	assert.Same(t, ch1, ch2, "a second connect to the same stream reuses the channel")
	assert.Equal(t, 1, send.ChannelCount())
}

package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabstream/pkg/config"
	"fabstream/pkg/fabric/memfab"
	"fabstream/pkg/packet"
	"fabstream/pkg/payload"
	"fabstream/pkg/status"
)

func testConfig() *config.Config {
	return &config.Config{
		SrcAddr:          "srv",
		SrcPort:          9350,
		DstAddr:          "srv",
		DstPort:          9350,
		BufSize:          64 * 1024,
		NoBuffers:        4,
		Provider:         config.ProviderMSG,
		CompMethod:       config.CompSpin,
		HWMBytes:         100 << 20,
		LWMBytes:         50 << 20,
		HWMEnqueueCount:  16,
		MaxAcceptsPerSec: 100,
	}
}

func TestConnectEchoClose(t *testing.T) {
	net := memfab.NewNetwork()
	cfg := testConfig()

	conns := make(chan *ServerConn, 1)
	srv := NewServer(cfg, net.NewProvider(), ServerCallbacks{
		HandleNewConnection: func(conn *ServerConn) {
			// Echo every "ask" back as a "reply".
			conn.Dispatcher().InstallRequestHandler(payload.RawFactory("ask"),
				func(id packet.RequestID, req payload.Payload) {
					data := req.(*payload.Raw).Data
					conn.Dispatcher().SendResponse(id, payload.NewRaw("reply", data))
				})
			conns <- conn
		},
	}, zerolog.Nop(), nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	cli := NewClient(cfg, net.NewProvider(), ClientCallbacks{}, zerolog.Nop(), nil)
	require.NoError(t, cli.Connect(5*time.Second))
	defer cli.Close()

	select {
	case <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server never announced the connection")
	}
	require.Equal(t, 1, srv.ActiveConnections())

	results := make(chan []byte, 1)
	require.Equal(t, status.OK, cli.Dispatcher().InstallResponseHandler(
		payload.RawFactory("ask"), payload.RawFactory("reply"),
		func(ctx any, resp payload.Payload, code status.Code) {
			require.Equal(t, status.OK, code)
			results <- resp.(*payload.Raw).Data
		}))

	require.Equal(t, status.OK,
		cli.Dispatcher().SendRequest(payload.NewRaw("ask", []byte("ping")), nil, 0))

	select {
	case data := <-results:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("echo response never arrived")
	}

	cli.Close()
	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrderedMessageStream(t *testing.T) {
	net := memfab.NewNetwork()
	cfg := testConfig()

	received := make(chan int32, 1100)
	srv := NewServer(cfg, net.NewProvider(), ServerCallbacks{
		HandleNewConnection: func(conn *ServerConn) {
			conn.Dispatcher().InstallMessageHandler(payload.RawFactory("echo"),
				func(msg payload.Payload) {
					data := msg.(*payload.Raw).Data
					received <- int32(data[0]) | int32(data[1])<<8 | int32(data[2])<<16 | int32(data[3])<<24
				})
		},
	}, zerolog.Nop(), nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	cli := NewClient(cfg, net.NewProvider(), ClientCallbacks{}, zerolog.Nop(), nil)
	require.NoError(t, cli.Connect(5*time.Second))
	defer cli.Close()

	const count = 1000
	go func() {
		for i := int32(1); i <= count; i++ {
			data := []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
			for {
				code := cli.Dispatcher().SendMessage(payload.NewRaw("echo", data))
				if code == status.OK {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for want := int32(1); want <= count; want++ {
		select {
		case got := <-received:
			require.Equal(t, want, got, "messages must arrive in send order")
		case <-time.After(5 * time.Second):
			t.Fatalf("stream stalled at id %d", want)
		}
	}

	// Rings drain back to empty once the stream quiesces.
	require.Eventually(t, func() bool {
		tx := cli.Channel().TxRing()
		return tx.FilledCount() == 0 && tx.SubmittedCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRejectOverRateLimit(t *testing.T) {
	net := memfab.NewNetwork()
	cfg := testConfig()
	cfg.MaxAcceptsPerSec = 1 // burst 2: third connect inside the window is rejected

	srv := NewServer(cfg, net.NewProvider(), ServerCallbacks{}, zerolog.Nop(), nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	ok := 0
	for i := 0; i < 3; i++ {
		cli := NewClient(cfg, net.NewProvider(), ClientCallbacks{}, zerolog.Nop(), nil)
		if err := cli.Connect(time.Second); err == nil {
			ok++
			defer cli.Close()
		}
	}
	assert.LessOrEqual(t, ok, 2, "guard must reject connects beyond the burst")
	assert.GreaterOrEqual(t, ok, 1)
}

// Package transport implements the connection-management layer over
// MSG endpoints: an active client, a passive server tracking pending
// and active connections, and the glue wiring channels to dispatchers.
package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fabstream/internal/metrics"
	"fabstream/pkg/channel"
	"fabstream/pkg/config"
	"fabstream/pkg/dispatch"
	"fabstream/pkg/eventloop"
	"fabstream/pkg/fabric"
	"fabstream/pkg/packet"
	"fabstream/pkg/status"
)

// DefaultConnectTimeout bounds how long Connect waits for the CM
// handshake.
const DefaultConnectTimeout = 10 * time.Second

// ClientCallbacks notify the application of connection lifecycle.
type ClientCallbacks struct {
	HandleConnect func(code status.Code)
	HandleClose   func(code status.Code)
}

// Client is the active side of an MSG connection. It owns one
// endpoint, its event loop, the channel, and the dispatcher exposed to
// user code.
type Client struct {
	cfg    *config.Config
	prov   fabric.Provider
	logger zerolog.Logger
	m      *metrics.Metrics
	cbs    ClientCallbacks

	eq         fabric.EventQueue
	txcq, rxcq fabric.CompletionQueue
	ep         fabric.MsgEndpoint
	loop       *eventloop.Loop
	ch         *channel.Channel
	disp       *dispatch.Dispatcher
	handle     int

	connected   chan status.Code
	established atomic.Bool
}

// NewClient prepares a client; Connect establishes the session.
func NewClient(cfg *config.Config, prov fabric.Provider, cbs ClientCallbacks, logger zerolog.Logger, m *metrics.Metrics) *Client {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Client{
		cfg:       cfg,
		prov:      prov,
		logger:    logger.With().Str("component", "client").Logger(),
		m:         m,
		cbs:       cbs,
		connected: make(chan status.Code, 1),
	}
}

// Dispatcher returns the request/response layer; valid after Connect.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.disp }

// Channel returns the underlying channel; valid after Connect.
func (c *Client) Channel() *channel.Channel { return c.ch }

// Connect opens the endpoint, issues the CM connect, and waits for
// CONNECTED via the event loop.
func (c *Client) Connect(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	method, err := fabric.ParseCompMethod(c.cfg.CompMethod)
	if err != nil {
		return err
	}

	if c.eq, err = c.prov.OpenEventQueue(); err != nil {
		return fmt.Errorf("opening event queue: %w", err)
	}
	if c.txcq, err = c.prov.OpenCompletionQueue(c.cfg.NoBuffers, method); err != nil {
		return fmt.Errorf("opening tx cq: %w", err)
	}
	if c.rxcq, err = c.prov.OpenCompletionQueue(c.cfg.NoBuffers, method); err != nil {
		return fmt.Errorf("opening rx cq: %w", err)
	}
	if c.ep, err = c.prov.NewMsgEndpoint(nil); err != nil {
		return fmt.Errorf("creating endpoint: %w", err)
	}
	if err = c.ep.Bind(c.eq, c.txcq, c.rxcq); err != nil {
		return err
	}
	if err = c.ep.Enable(); err != nil {
		return err
	}

	c.ch, err = channel.New(channel.Options{
		SlotCount:       c.cfg.NoBuffers,
		SlotSize:        c.cfg.SlotSize(),
		HWMBytes:        c.cfg.HWMBytes,
		LWMBytes:        c.cfg.LWMBytes,
		HWMEnqueueCount: c.cfg.HWMEnqueueCount,
		Logger:          c.logger,
		Metrics:         c.m,
	}, c.prov, channel.Callbacks{
		OnNewPacket: func(p *packet.Incoming) { c.disp.OnPacket(p) },
		OnClose: func(code status.Code) {
			if c.cbs.HandleClose != nil {
				c.cbs.HandleClose(code)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	c.disp = dispatch.New(c.ch, c.logger, c.m)

	c.loop = eventloop.New(c.eq, eventloop.Handlers{
		OnConnected: c.onConnected,
		OnShutdown:  c.onShutdown,
	}, c.logger, c.m)
	c.loop.Start()

	dst := fmt.Sprintf("%s:%d", c.cfg.DstAddr, c.cfg.DstPort)
	if err := c.ep.Connect(dst); err != nil {
		c.loop.Stop()
		return fmt.Errorf("connect to %s: %w", dst, err)
	}

	select {
	case code := <-c.connected:
		if code != status.OK {
			c.loop.Stop()
			return fmt.Errorf("connect to %s: %s", dst, code)
		}
		return nil
	case <-time.After(timeout):
		c.loop.Stop()
		return fmt.Errorf("connect to %s: timed out after %s", dst, timeout)
	}
}

func (c *Client) onConnected(ep fabric.MsgEndpoint) {
	if err := c.ch.Start(&msgPoster{ep: c.ep, ch: c.ch}); err != nil {
		c.logger.Error().Err(err).Msg("Failed to start channel")
		c.signalConnected(status.ConnectError)
		return
	}
	c.handle = c.loop.AddSession(c.ch, c.txcq, c.rxcq)
	c.established.Store(true)
	c.signalConnected(status.OK)
	if c.cbs.HandleConnect != nil {
		c.cbs.HandleConnect(status.OK)
	}
}

func (c *Client) onShutdown(ep fabric.MsgEndpoint) {
	if !c.established.Load() {
		// Shutdown before CONNECTED means the server rejected us.
		c.signalConnected(status.ConnectError)
		if c.cbs.HandleConnect != nil {
			c.cbs.HandleConnect(status.ConnectError)
		}
		return
	}
	c.loop.RemoveSession(c.handle)
	c.ch.Close()
}

func (c *Client) signalConnected(code status.Code) {
	select {
	case c.connected <- code:
	default:
	}
}

// Close shuts the connection down and stops the loop.
func (c *Client) Close() {
	if c.ep != nil {
		_ = c.ep.Shutdown()
	}
	if c.ch != nil {
		c.ch.Close()
	}
	if c.loop != nil {
		c.loop.RemoveSession(c.handle)
		c.loop.Stop()
	}
}

// Package eventloop drives connection-management events and completion
// queues for MSG sessions.
//
// One goroutine owns the CM event queue and every registered session's
// pair of completion queues. The loop calls into channels, never the
// reverse: sessions are tracked by integer handles in a registry owned
// here, so channels need no back-pointer to the loop.
package eventloop

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fabstream/internal/metrics"
	"fabstream/pkg/channel"
	"fabstream/pkg/fabric"
)

// compBatch bounds how many completions one poll consumes per queue,
// keeping a busy channel from starving CM event handling.
const compBatch = 16

// idleEQTimeout is how long the loop parks on the CM queue when both
// completion queues report no progress.
const idleEQTimeout = time.Millisecond

// Handlers receive CM events. Unknown event types are logged and
// discarded inside the loop.
type Handlers struct {
	OnConnectRequest func(info *fabric.PeerInfo)
	OnConnected      func(ep fabric.MsgEndpoint)
	OnShutdown       func(ep fabric.MsgEndpoint)
}

type session struct {
	ch         *channel.Channel
	txcq, rxcq fabric.CompletionQueue
}

// Loop is the per-endpoint event loop.
type Loop struct {
	logger   zerolog.Logger
	m        *metrics.Metrics
	eq       fabric.EventQueue
	handlers Handlers

	mu       sync.RWMutex
	sessions map[int]*session
	next     int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a loop over the given CM event queue.
func New(eq fabric.EventQueue, handlers Handlers, logger zerolog.Logger, m *metrics.Metrics) *Loop {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Loop{
		logger:   logger.With().Str("component", "eventloop").Logger(),
		m:        m,
		eq:       eq,
		handlers: handlers,
		sessions: make(map[int]*session),
		done:     make(chan struct{}),
	}
}

// AddSession registers a channel with its completion queues and
// returns the session handle.
func (l *Loop) AddSession(ch *channel.Channel, txcq, rxcq fabric.CompletionQueue) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.sessions[l.next] = &session{ch: ch, txcq: txcq, rxcq: rxcq}
	return l.next
}

// RemoveSession drops a session from the registry. In-flight
// completions already read keep flowing to the channel; nothing new is
// polled for it afterwards.
func (l *Loop) RemoveSession(handle int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, handle)
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
}

// Stop terminates the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.wg.Wait()
}

func (l *Loop) run() {
	var comps [compBatch]fabric.Completion
	progress := true
	for {
		select {
		case <-l.done:
			return
		default:
		}

		// The CM queue is the only place the loop sleeps: a short read
		// when idle, an immediate one while completions are flowing.
		timeout := time.Duration(0)
		if !progress {
			timeout = idleEQTimeout
		}
		if ev, err := l.eq.Read(timeout); err == nil {
			l.dispatchEvent(ev)
		} else if err != fabric.ErrUnavailable {
			l.logger.Debug().Err(err).Msg("CM queue closed, loop exiting")
			return
		}

		progress = false
		l.mu.RLock()
		sessions := make([]*session, 0, len(l.sessions))
		for _, s := range l.sessions {
			sessions = append(sessions, s)
		}
		l.mu.RUnlock()

		for _, s := range sessions {
			if n := l.poll(s.txcq, comps[:]); n > 0 {
				progress = true
				s.ch.OnWriteComplete(n)
			}
			if n := l.poll(s.rxcq, comps[:]); n > 0 {
				progress = true
				s.ch.OnReadComplete(n)
			}
		}
		if !progress {
			runtime.Gosched()
		}
	}
}

func (l *Loop) poll(cq fabric.CompletionQueue, out []fabric.Completion) int {
	n, err := cq.Read(out)
	if err != nil {
		return 0
	}
	good := 0
	for i := 0; i < n; i++ {
		if out[i].Err != nil {
			l.logger.Error().Err(out[i].Err).Msg("Completion error")
			continue
		}
		good++
	}
	if n > 0 {
		l.m.CompletionsPolled.Add(float64(n))
	}
	return good
}

func (l *Loop) dispatchEvent(ev fabric.Event) {
	switch ev.Type {
	case fabric.EventConnectRequest:
		if l.handlers.OnConnectRequest != nil {
			l.handlers.OnConnectRequest(ev.Info)
		}
	case fabric.EventConnected:
		if l.handlers.OnConnected != nil {
			l.handlers.OnConnected(ev.Endpoint)
		}
	case fabric.EventShutdown:
		if l.handlers.OnShutdown != nil {
			l.handlers.OnShutdown(ev.Endpoint)
		}
	default:
		l.logger.Warn().Str("event", ev.Type.String()).Msg("Unknown CM event, discarding")
	}
}

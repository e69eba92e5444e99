package natsfab

import (
	"sync"
	"time"

	"fabstream/pkg/fabric"
)

type compQueue struct {
	mu      sync.Mutex
	entries []fabric.Completion
	method  fabric.CompMethod
	notify  chan struct{}
	closed  bool
}

func newCompQueue(method fabric.CompMethod) *compQueue {
	return &compQueue{method: method, notify: make(chan struct{}, 1)}
}

func (q *compQueue) push(c fabric.Completion) {
	q.mu.Lock()
	q.entries = append(q.entries, c)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *compQueue) Read(out []fabric.Completion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, fabric.ErrClosed
	}
	n := copy(out, q.entries)
	q.entries = q.entries[n:]
	return n, nil
}

func (q *compQueue) Wait(timeout time.Duration) error {
	if q.method == fabric.CompSpin {
		return nil
	}
	q.mu.Lock()
	if len(q.entries) > 0 || q.closed {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	select {
	case <-q.notify:
		return nil
	case <-time.After(timeout):
		return fabric.ErrUnavailable
	}
}

func (q *compQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

package call

import (
	"sync"
)

// queue is an unbounded FIFO of events for the controller loop. Producers never block,
// so store and pion callbacks can always hand work over.
type queue struct {
	mu     sync.Mutex
	items  []func()
	closed bool

	notify chan struct{}
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) push(fn func()) bool {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return false
	}

	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return true
}

func (q *queue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
}

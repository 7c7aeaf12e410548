package session

import (
	"sync"

	"github.com/gammazero/deque"
)

// mailbox is an unbounded FIFO. push never blocks, so callbacks fired from
// inside collaborator calls (Close, timers) cannot deadlock the loop.
type mailbox[T any] struct {
	mu     sync.Mutex
	q      *deque.Deque[T]
	ready  chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		q:     deque.New[T](),
		ready: make(chan struct{}, 1),
	}
}

func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.q.PushBack(v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns everything queued so far.
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, 0, m.q.Len())
	for m.q.Len() > 0 {
		out = append(out, m.q.PopFront())
	}
	return out
}

// close rejects further pushes. Items already queued can still be drained.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

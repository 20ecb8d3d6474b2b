package completion

import (
	"sync"

	"github.com/gammazero/deque"
)

// readyQueue holds resolved futures waiting for Poll or Take.
type readyQueue[V any] struct {
	mu sync.Mutex
	dq deque.Deque[*ResolvedFuture[V]]
}

// pushFront adds fs so that the last one is served first.
func (q *readyQueue[V]) pushFront(fs ...*ResolvedFuture[V]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range fs {
		q.dq.PushFront(f)
	}
}

func (q *readyQueue[V]) popFront() (*ResolvedFuture[V], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dq.Len() == 0 {
		return nil, false
	}
	return q.dq.PopFront(), true
}

func (q *readyQueue[V]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}

// signal is a broadcast that can fire many times.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// wait returns a channel closed by the next broadcast.
func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

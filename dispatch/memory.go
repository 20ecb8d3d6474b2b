package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryQueue implements Queue using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryQueue struct {
	config Config

	mu     sync.Mutex
	queues map[string]chan *memoryDelivery
	closed atomic.Bool
	done   chan struct{}

	dead atomic.Int64
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryQueue{
		config: cfg,
		queues: make(map[string]chan *memoryDelivery),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) queue(destination string) chan *memoryDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[destination]
	if !ok {
		ch = make(chan *memoryDelivery, q.config.BufferSize)
		q.queues[destination] = ch
	}
	return ch
}

// Enqueue adds a payload to the destination queue. It blocks while the
// queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, destination string, payload []byte) error {
	if err := ValidateDestination(destination); err != nil {
		return err
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if q.closed.Load() {
		return ErrClosed
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	d := &memoryDelivery{q: q, destination: destination, payload: data, attempt: 1}
	return q.push(ctx, d)
}

func (q *MemoryQueue) push(ctx context.Context, d *memoryDelivery) error {
	select {
	case q.queue(d.destination) <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// redeliver requeues a delivery as its next attempt.
func (q *MemoryQueue) redeliver(d *memoryDelivery) {
	if q.closed.Load() {
		return
	}
	if q.config.MaxDeliver > 0 && d.attempt >= q.config.MaxDeliver {
		q.dead.Add(1)
		return
	}
	next := &memoryDelivery{q: q, destination: d.destination, payload: d.payload, attempt: d.attempt + 1}
	go func() { _ = q.push(context.Background(), next) }()
}

// Consume starts a competing consumer on the destination.
func (q *MemoryQueue) Consume(ctx context.Context, destination string) (Consumer, error) {
	if err := ValidateDestination(destination); err != nil {
		return nil, err
	}
	if q.closed.Load() {
		return nil, ErrClosed
	}

	c := &memoryConsumer{
		out:  make(chan Delivery),
		stop: make(chan struct{}),
	}
	go c.run(ctx, q, q.queue(destination))
	return c, nil
}

// Pending returns the number of payloads waiting on a destination.
func (q *MemoryQueue) Pending(destination string) int {
	return len(q.queue(destination))
}

// DeadLettered returns how many payloads exhausted MaxDeliver.
func (q *MemoryQueue) DeadLettered() int64 {
	return q.dead.Load()
}

// Close shuts down the queue. Pending payloads are discarded.
func (q *MemoryQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	close(q.done)
	return nil
}

type memoryConsumer struct {
	out      chan Delivery
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *memoryConsumer) run(ctx context.Context, q *MemoryQueue, in chan *memoryDelivery) {
	defer close(c.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-q.done:
			return
		case d := <-in:
			select {
			case c.out <- d:
			case <-ctx.Done():
				q.redeliverSame(d)
				return
			case <-c.stop:
				q.redeliverSame(d)
				return
			case <-q.done:
				return
			}
		}
	}
}

// redeliverSame puts back a delivery no worker saw.
func (q *MemoryQueue) redeliverSame(d *memoryDelivery) {
	go func() { _ = q.push(context.Background(), d) }()
}

func (c *memoryConsumer) Deliveries() <-chan Delivery {
	return c.out
}

func (c *memoryConsumer) Stop() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

type memoryDelivery struct {
	q           *MemoryQueue
	destination string
	payload     []byte
	attempt     int
	settled     atomic.Bool
}

func (d *memoryDelivery) Payload() []byte { return d.payload }
func (d *memoryDelivery) Attempt() int    { return d.attempt }

func (d *memoryDelivery) Ack() error {
	d.settled.Store(true)
	return nil
}

func (d *memoryDelivery) Nak(delay time.Duration) error {
	if d.settled.Swap(true) {
		return nil
	}
	if delay <= 0 {
		d.q.redeliver(d)
		return nil
	}
	time.AfterFunc(delay, func() { d.q.redeliver(d) })
	return nil
}

func (d *memoryDelivery) Term() error {
	d.settled.Store(true)
	return nil
}

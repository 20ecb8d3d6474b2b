package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamQueue implements Queue on a NATS JetStream work-queue stream.
// Each destination maps to subject "<Subject>.<destination>" and one
// durable pull consumer.
type JetStreamQueue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config JetStreamConfig
	closed atomic.Bool
}

// JetStreamConfig holds JetStream queue configuration.
type JetStreamConfig struct {
	Config

	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Stream is the stream name.
	Stream string

	// Subject is the subject prefix for destinations.
	Subject string

	// Durable is the consumer name prefix.
	Durable string

	// AckWait is how long a delivery may stay unacknowledged before
	// it is redelivered.
	AckWait time.Duration

	// Replicas for the stream.
	Replicas int
}

// DefaultJetStreamConfig returns configuration with sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Config:   DefaultConfig(),
		Stream:   "COMPLETION_TASKS",
		Subject:  "completion.tasks",
		Durable:  "completion-worker",
		AckWait:  30 * time.Second,
		Replicas: 1,
	}
}

// NewJetStreamQueue creates (or updates) the backing stream.
func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig) (*JetStreamQueue, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultJetStreamConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.Durable == "" {
		cfg.Durable = def.Durable
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = def.Replicas
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}

	return &JetStreamQueue{
		conn:   cfg.Conn,
		js:     js,
		stream: stream,
		config: cfg,
	}, nil
}

func (q *JetStreamQueue) subject(destination string) string {
	return q.config.Subject + "." + destination
}

func (q *JetStreamQueue) durable(destination string) string {
	return q.config.Durable + "-" + strings.ReplaceAll(destination, "/", "_")
}

// Enqueue publishes a payload and waits for the stream to store it.
func (q *JetStreamQueue) Enqueue(ctx context.Context, destination string, payload []byte) error {
	if err := ValidateDestination(destination); err != nil {
		return err
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if q.closed.Load() {
		return ErrClosed
	}

	if _, err := q.js.Publish(ctx, q.subject(destination), payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Consume binds the destination's durable consumer.
func (q *JetStreamQueue) Consume(ctx context.Context, destination string) (Consumer, error) {
	if err := ValidateDestination(destination); err != nil {
		return nil, err
	}
	if q.closed.Load() {
		return nil, ErrClosed
	}

	cc := jetstream.ConsumerConfig{
		Durable:       q.durable(destination),
		FilterSubject: q.subject(destination),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.config.AckWait,
		MaxAckPending: q.config.BufferSize,
	}
	if q.config.MaxDeliver > 0 {
		cc.MaxDeliver = q.config.MaxDeliver
	}

	cons, err := q.stream.CreateOrUpdateConsumer(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	c := &jsConsumer{
		out:  make(chan Delivery),
		stop: make(chan struct{}),
	}

	consCtx, err := cons.Consume(c.handle)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	c.consCtx = consCtx

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stop:
		}
	}()

	return c, nil
}

// Close marks the queue closed. The connection belongs to the caller.
func (q *JetStreamQueue) Close() error {
	q.closed.Store(true)
	return nil
}

type jsConsumer struct {
	consCtx jetstream.ConsumeContext

	// mu guards out against closing while a handler is sending.
	mu       sync.RWMutex
	out      chan Delivery
	ended    bool
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *jsConsumer) handle(msg jetstream.Msg) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ended {
		_ = msg.Nak()
		return
	}
	select {
	case c.out <- &jsDelivery{msg: msg}:
	case <-c.stop:
		_ = msg.Nak()
	}
}

func (c *jsConsumer) Deliveries() <-chan Delivery {
	return c.out
}

func (c *jsConsumer) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.consCtx != nil {
			c.consCtx.Stop()
		}
		c.mu.Lock()
		c.ended = true
		close(c.out)
		c.mu.Unlock()
	})
	return nil
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d *jsDelivery) Payload() []byte { return d.msg.Data() }

func (d *jsDelivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(md.NumDelivered)
}

func (d *jsDelivery) Ack() error { return d.msg.Ack() }

func (d *jsDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Term() error { return d.msg.Term() }

package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed             = errors.New("dispatcher closed")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrEmptyPayload       = errors.New("empty payload")
)

// Dispatcher enqueues payloads for asynchronous execution.
type Dispatcher interface {
	// Enqueue hands payload to the destination's queue. A nil error means
	// the payload was accepted and will be delivered at least once.
	Enqueue(ctx context.Context, destination string, payload []byte) error

	// Close releases resources.
	Close() error
}

// Source yields enqueued payloads to workers.
type Source interface {
	// Consume starts receiving deliveries for a destination. Multiple
	// consumers on one destination compete for deliveries. Consumption
	// stops when ctx is done or the Consumer is stopped.
	Consume(ctx context.Context, destination string) (Consumer, error)
}

// Queue is a Dispatcher that is also a Source.
type Queue interface {
	Dispatcher
	Source
}

// Consumer is an active consumption.
type Consumer interface {
	// Deliveries returns the delivery channel.
	// Channel is closed when consumption ends.
	Deliveries() <-chan Delivery

	// Stop ends consumption. Unacknowledged deliveries are redelivered.
	Stop() error
}

// Delivery is one attempt at handing a payload to a worker.
type Delivery interface {
	Payload() []byte

	// Attempt is 1 on first delivery.
	Attempt() int

	// Ack marks the payload processed.
	Ack() error

	// Nak requests redelivery after delay.
	Nak(delay time.Duration) error

	// Term drops the payload without redelivery.
	Term() error
}

// Config holds common dispatch configuration.
type Config struct {
	// BufferSize for delivery channels.
	// Default: 256
	BufferSize int

	// MaxDeliver caps delivery attempts per payload. Zero means unlimited.
	// Default: 5
	MaxDeliver int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
		MaxDeliver: 5,
	}
}

// ValidateDestination checks that a destination can be used as a subject token.
func ValidateDestination(destination string) error {
	if destination == "" || len(destination) > 128 {
		return ErrInvalidDestination
	}
	if strings.ContainsAny(destination, ". *>\t\r\n") {
		return ErrInvalidDestination
	}
	return nil
}

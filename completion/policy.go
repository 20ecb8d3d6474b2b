package completion

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// PollPolicy controls how long pollers wait between store checks.
// A Multiplier of 1 gives a fixed interval.
type PollPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

// DefaultPollPolicy polls every 500ms.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    500 * time.Millisecond,
		MaxInterval: 500 * time.Millisecond,
		Multiplier:  1.0,
	}
}

func (p PollPolicy) normalize() PollPolicy {
	def := DefaultPollPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p
}

// backOff returns the waits for one poller: Interval first, then each
// wait times Multiplier up to MaxInterval. There is no jitter.
func (p PollPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Interval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()
	return b
}

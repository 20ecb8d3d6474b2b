package completion

import (
	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/envelope"
	"github.com/vinayprograms/completionkit/telemetry"
)

// DefaultScanLimit caps how many completed records one scan consumes.
const DefaultScanLimit = 1000

// DefaultDestination is the dispatch destination used when none is set.
const DefaultDestination = "default"

type options struct {
	log         *logrus.Entry
	parentID    string
	policy      PollPolicy
	scanLimit   int
	maxEnvelope int
	destination string
	watch       bool
	tracer      *telemetry.Tracer
}

func defaultOptions() options {
	return options{
		policy:      DefaultPollPolicy(),
		scanLimit:   DefaultScanLimit,
		maxEnvelope: envelope.DefaultMaxBytes,
		destination: DefaultDestination,
		watch:       true,
		tracer:      telemetry.Noop(),
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithLogger sets the logger. Default discards.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.log = l }
}

// WithParentID re-adopts an existing parent id instead of minting one.
// Only one Coordinator may poll a parent id at a time.
func WithParentID(id string) Option {
	return func(o *options) { o.parentID = id }
}

// WithPollPolicy sets the wait between scans and between handle checks.
func WithPollPolicy(p PollPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithScanLimit caps records consumed per scan.
func WithScanLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.scanLimit = n
		}
	}
}

// WithMaxEnvelopeBytes sets the compressed envelope ceiling.
func WithMaxEnvelopeBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEnvelope = n
		}
	}
}

// WithDestination sets the dispatch destination.
func WithDestination(d string) Option {
	return func(o *options) { o.destination = d }
}

// WithWatch enables waking pollers from store change notifications when
// the store supports them. Default on.
func WithWatch(on bool) Option {
	return func(o *options) { o.watch = on }
}

// WithTracer traces submissions and scans. Default records nothing.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

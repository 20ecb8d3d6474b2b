package shutdown

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyShutdown is returned by a second Shutdown call.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the context ended before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means at least one handler returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases for completionkit processes. Lower phases stop first; handlers in
// the same phase stop concurrently.
const (
	// PhaseIntake stops new work: the delivery endpoint and coordinators.
	PhaseIntake = 10

	// PhaseDrain lets worker pools finish in-flight deliveries.
	PhaseDrain = 20

	// PhaseBackends closes the queue, the result store and NATS.
	PhaseBackends = 30

	// PhaseLogs flushes and closes log output.
	PhaseLogs = 40
)

// Handler is implemented by components that stop gracefully. OnShutdown
// must return when ctx ends.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown calls f.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts a Close method to Handler.
type Closer interface {
	Close() error
}

// CloseFunc wraps c as a Handler that ignores the context.
func CloseFunc(c Closer) Handler {
	return Func(func(context.Context) error { return c.Close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result summarizes a shutdown.
type Result struct {
	Duration time.Duration
	Handlers []HandlerResult
	Err      error
}

// Failed reports whether any handler failed or the shutdown timed out.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers names the handlers that returned errors.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown.
	// Default: 30s
	Timeout time.Duration `koanf:"timeout"`

	// StopOnError skips later phases once a handler fails.
	StopOnError bool `koanf:"stop_on_error"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}

// Package executor is the worker side of the completion protocol. It runs
// a decoded task and records the outcome in the result store, and drives
// that from a dispatch source with a bounded pool.
//
// Every delivery may arrive more than once. Recording is an upsert where
// the first completed outcome wins, so running the same envelope twice is
// safe.
package executor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/envelope"
	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/future"
	"github.com/vinayprograms/completionkit/logging"
	"github.com/vinayprograms/completionkit/store"
	"github.com/vinayprograms/completionkit/task"
	"github.com/vinayprograms/completionkit/telemetry"
)

// Executor runs tasks and persists their outcomes.
type Executor struct {
	st       store.Store
	reg      *task.Registry
	log      *logrus.Entry
	timeout  time.Duration
	workerID string
	tracer   *telemetry.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Default discards.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Executor) { e.log = l }
}

// WithTaskTimeout bounds each task's context. Tasks that ignore their
// context are not interrupted.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithWorkerID names this executor in recorded outcomes.
func WithWorkerID(id string) Option {
	return func(e *Executor) { e.workerID = id }
}

// WithTracer traces each execution. Default records nothing.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an Executor.
func New(st store.Store, reg *task.Registry, opts ...Option) *Executor {
	e := &Executor{st: st, reg: reg}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.Component(e.log, "executor")
	if e.tracer == nil {
		e.tracer = telemetry.Noop()
	}
	return e
}

type attemptKey struct{}

// ContextWithAttempt records the delivery attempt for the outcome.
func ContextWithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

func attemptFrom(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}

// Handle decodes a dispatched payload and executes it. An undecodable
// payload is an INVALID_INPUT error and should not be redelivered.
func (e *Executor) Handle(ctx context.Context, payload []byte) error {
	env, err := envelope.Decode(payload)
	if err != nil {
		e.log.WithError(err).Warn("dropping undecodable envelope")
		return err
	}
	return e.Execute(ctx, env)
}

// Execute runs the envelope's task and persists the outcome. Task errors
// and panics are recorded as failed outcomes; only a store failure is
// returned.
func (e *Executor) Execute(ctx context.Context, env envelope.Envelope) (err error) {
	attempt := attemptFrom(ctx)
	ctx, span := e.tracer.StartExecute(ctx, env.ParentID, env.FutureID, env.Kind, attempt)
	defer func() { telemetry.End(span, err) }()
	log := e.log.WithFields(logrus.Fields{
		logging.FieldParentID: env.ParentID,
		logging.FieldFutureID: env.FutureID,
		logging.FieldKind:     env.Kind,
		logging.FieldAttempt:  attempt,
	})

	start := time.Now()
	outcome := e.outcome(ctx, env)
	outcome.Attempt = attempt
	outcome.Worker = e.workerID

	if err := future.Persist(ctx, e.st, env.Key(), outcome); err != nil {
		log.WithError(err).Error("failed to persist outcome")
		return err
	}

	entry := log.WithFields(logrus.Fields{
		"status":   outcome.Status,
		"duration": time.Since(start).String(),
	})
	if outcome.Failed() {
		span.SetAttributes(telemetry.AttrCode.String(outcome.Error.Code().String()))
		entry.WithError(outcome.Err()).Info("task failed")
	} else {
		entry.Debug("task completed")
	}
	return nil
}

func (e *Executor) outcome(ctx context.Context, env envelope.Envelope) *future.Outcome {
	t, err := e.reg.Decode(env.Kind, env.Task)
	if err != nil {
		return future.Failure(failure(env, err))
	}

	value, err := e.run(ctx, t)
	if err != nil {
		return future.Failure(failure(env, err))
	}

	o, err := future.Success(value)
	if err != nil {
		return future.Failure(failure(env, err))
	}
	return o
}

// failure turns a task error into the TASK_FAILED error recorded for the
// caller. A structured cause keeps its code as "cause_code" metadata.
func failure(env envelope.Envelope, err error) *errors.Error {
	opts := []errors.Option{
		errors.WithParentID(env.ParentID),
		errors.WithMetadata("kind", env.Kind),
	}
	reason := err.Error()
	switch ce := errors.As(err); {
	case ce != nil:
		opts = append(opts, errors.WithMetadata("cause_code", ce.Code().String()))
		reason = ce.Message()
	case stderrors.Is(err, context.DeadlineExceeded):
		opts = append(opts, errors.WithMetadata("cause_code", errors.ErrCodeTimeout.String()))
	case stderrors.Is(err, context.Canceled):
		opts = append(opts, errors.WithMetadata("cause_code", errors.ErrCodeCanceled.String()))
	}
	return errors.TaskFailed(env.FutureID, reason, opts...)
}

func (e *Executor) run(ctx context.Context, t task.Task) (value any, err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()

	return t.Call(ctx)
}

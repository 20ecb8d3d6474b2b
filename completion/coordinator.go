package completion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vinayprograms/completionkit/dispatch"
	"github.com/vinayprograms/completionkit/envelope"
	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/future"
	"github.com/vinayprograms/completionkit/logging"
	"github.com/vinayprograms/completionkit/store"
	"github.com/vinayprograms/completionkit/task"
	"github.com/vinayprograms/completionkit/telemetry"
)

// Coordinator submits tasks and serves their results in completion order.
// V is the result type every task submitted through it returns.
type Coordinator[V any] struct {
	st   store.Store
	disp dispatch.Dispatcher
	reg  *task.Registry
	opts options
	log  *logrus.Entry

	ready   readyQueue[V]
	scanMu  sync.Mutex
	limiter *rate.Limiter
	wake    *signal
	dirty   atomic.Bool

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. Store, dispatcher and registry are required.
func New[V any](st store.Store, disp dispatch.Dispatcher, reg *task.Registry, opts ...Option) (*Coordinator[V], error) {
	if st == nil || disp == nil || reg == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "store, dispatcher and registry are required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.policy = o.policy.normalize()
	if o.parentID == "" {
		o.parentID = uuid.NewString()
	}
	if err := (store.Key{Parent: o.parentID, ID: "_"}).Validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid parent id")
	}
	if err := dispatch.ValidateDestination(o.destination); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid destination")
	}

	c := &Coordinator[V]{
		st:      st,
		disp:    disp,
		reg:     reg,
		opts:    o,
		log:     logging.Component(o.log, "completion").WithField(logging.FieldParentID, o.parentID),
		limiter: rate.NewLimiter(rate.Every(o.policy.Interval), 1),
		wake:    newSignal(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if w, ok := st.(store.Watcher); ok && o.watch {
		ch, err := w.Watch(ctx, o.parentID)
		if err != nil {
			c.log.WithError(err).Warn("store watch unavailable, polling only")
		} else {
			c.wg.Add(1)
			go c.watchLoop(ch)
		}
	}

	c.log.WithField("destination", o.destination).Debug("coordinator started")
	return c, nil
}

// ParentID returns the id grouping this Coordinator's records.
func (c *Coordinator[V]) ParentID() string {
	return c.opts.parentID
}

// Ready returns how many resolved futures are waiting to be polled.
func (c *Coordinator[V]) Ready() int {
	return c.ready.len()
}

func (c *Coordinator[V]) watchLoop(ch <-chan store.Key) {
	defer c.wg.Done()
	for range ch {
		c.dirty.Store(true)
		c.wake.broadcast()
	}
}

// Submit persists a pending record for t and dispatches it.
//
// The returned Handle and this Coordinator's Poll/Take stream read the
// same record, and reading consumes it. Use one or the other for a given
// task: whichever looks first gets the result and the other never sees it.
//
// Errors are SUBMISSION, UNKNOWN_KIND or PAYLOAD_TOO_LARGE when t cannot
// be sent (nothing is stored or dispatched), STORE_UNAVAILABLE when the
// record cannot be written, and DISPATCH when the dispatcher refuses the
// envelope.
func (c *Coordinator[V]) Submit(ctx context.Context, t task.Task) (_ *Handle[V], err error) {
	kindHint := ""
	if t != nil {
		kindHint = t.Kind()
	}
	ctx, span := c.opts.tracer.StartSubmit(ctx, c.opts.parentID, kindHint)
	defer func() { telemetry.End(span, err) }()

	if c.closed.Load() {
		return nil, errors.New(errors.ErrCodeSubmission, "coordinator closed")
	}

	kind, body, err := c.reg.Encode(t)
	if err != nil {
		return nil, err
	}

	rec := future.New(c.opts.parentID)
	span.SetAttributes(telemetry.AttrFutureID.String(rec.ID))
	log := c.log.WithFields(logrus.Fields{
		logging.FieldFutureID: rec.ID,
		logging.FieldKind:     kind,
	})

	payload, err := envelope.Encode(envelope.Envelope{
		ParentID: rec.ParentID,
		FutureID: rec.ID,
		Kind:     kind,
		Task:     body,
	}, c.opts.maxEnvelope)
	if err != nil {
		log.WithError(err).Warn("task rejected before dispatch")
		return nil, err
	}

	if err := future.Insert(ctx, c.st, rec); err != nil {
		return nil, err
	}

	if err := c.disp.Enqueue(ctx, c.opts.destination, payload); err != nil {
		if derr := future.Delete(context.WithoutCancel(ctx), c.st, rec.Key()); derr != nil {
			log.WithError(derr).Warn("orphan record left after dispatch failure")
		}
		log.WithError(err).Error("dispatch failed")
		return nil, errors.WrapWithCode(err, errors.ErrCodeDispatch, "enqueue task",
			errors.WithFutureID(rec.ID), errors.WithParentID(rec.ParentID))
	}

	span.SetAttributes(telemetry.AttrBytes.Int(len(payload)))
	log.WithField("bytes", len(payload)).Debug("task submitted")
	return NewHandle[V](c.st, rec.Key(), c.opts.policy, c.opts.log), nil
}

// SubmitRunnable submits a task run for its side effect. When it succeeds
// the future completes with result; what t itself returns is discarded.
// A failing t still completes with TASK_FAILED.
func (c *Coordinator[V]) SubmitRunnable(ctx context.Context, t task.Task, result V) (*Handle[V], error) {
	if t == nil {
		return nil, errors.New(errors.ErrCodeSubmission, "nil task")
	}
	return c.Submit(ctx, task.WithResult(t, result))
}

// Scan consumes up to the scan limit of completed records and queues
// them for Poll and Take. Records are queued only after the consuming
// transaction commits. It returns how many were queued.
func (c *Coordinator[V]) Scan(ctx context.Context) (n int, err error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	ctx, span := c.opts.tracer.StartScan(ctx, c.opts.parentID)
	defer func() {
		span.SetAttributes(telemetry.AttrConsumed.Int(n))
		telemetry.End(span, err)
	}()

	recs, err := future.QueryCompletedByParent(ctx, c.st, nil, c.opts.parentID, c.opts.scanLimit)
	if err != nil {
		if ctx.Err() == nil {
			c.log.WithError(err).Warn("scan failed, will retry")
		}
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	found := make([]*ResolvedFuture[V], 0, len(recs))
	for _, r := range recs {
		f := resolve[V](r)
		if f.err != nil {
			c.log.WithError(f.err).WithField(logging.FieldFutureID, r.ID).Debug("task failed")
		}
		found = append(found, f)
	}
	c.ready.pushFront(found...)
	c.wake.broadcast()

	c.log.WithField("count", len(found)).Debug("scan queued results")
	return len(found), nil
}

// TryPoll returns an already queued future without touching the store.
func (c *Coordinator[V]) TryPoll() (Future[V], bool) {
	f, ok := c.ready.popFront()
	if !ok {
		return nil, false
	}
	return f, true
}

// Poll blocks until a future is available or ctx is done.
func (c *Coordinator[V]) Poll(ctx context.Context) (Future[V], error) {
	f, err := c.await(ctx)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// PollTimeout waits at most d and returns (nil, nil) if nothing completed.
func (c *Coordinator[V]) PollTimeout(ctx context.Context, d time.Duration) (Future[V], error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	f, err := c.await(tctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, errors.ErrCodeTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// Take blocks until a future is available. It has no deadline of its
// own; cancel ctx to stop waiting.
func (c *Coordinator[V]) Take(ctx context.Context) (Future[V], error) {
	return c.Poll(ctx)
}

// await drains the ready deque, scanning and waiting as needed. Scans
// from concurrent waiters are throttled to one per poll interval unless
// a store notification arrived.
func (c *Coordinator[V]) await(ctx context.Context) (*ResolvedFuture[V], error) {
	b := c.opts.policy.backOff()
	wait := b.NextBackOff()
	for {
		if f, ok := c.ready.popFront(); ok {
			return f, nil
		}
		if c.closed.Load() {
			return nil, errors.New(errors.ErrCodeCanceled, "coordinator closed")
		}

		woken := c.wake.wait()
		if c.dirty.Swap(false) || c.limiter.Allow() {
			if n, _ := c.Scan(ctx); n > 0 {
				b.Reset()
				wait = b.NextBackOff()
				continue
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(ctx.Err(), "wait for completed task",
				errors.WithParentID(c.opts.parentID))
		case <-woken:
			timer.Stop()
		case <-timer.C:
			wait = b.NextBackOff()
		}
	}
}

// Close stops the store watch and releases waiting pollers. Queued
// futures remain available to TryPoll and Poll.
func (c *Coordinator[V]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.wake.broadcast()
	c.log.Debug("coordinator closed")
	return nil
}

// Run submits t for its side effect and does not wait for it. The record
// completes with an empty string result. Nothing polls it unless opts
// carry a WithParentID that some Coordinator[string] drains.
func Run(ctx context.Context, st store.Store, disp dispatch.Dispatcher, reg *task.Registry, t task.Task, opts ...Option) error {
	c, err := New[string](st, disp, reg, append(opts, WithWatch(false))...)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.SubmitRunnable(ctx, t, "")
	return err
}

// IsSubmissionError reports whether err means the task was rejected
// before anything was stored or dispatched.
func IsSubmissionError(err error) bool {
	switch errors.Code(err) {
	case errors.ErrCodeSubmission, errors.ErrCodePayloadTooLarge, errors.ErrCodeUnknownKind:
		return true
	default:
		return false
	}
}

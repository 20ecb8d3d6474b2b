package completion

import (
	"context"
	"time"

	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/future"
	"github.com/vinayprograms/completionkit/store"
)

// Future is a task result that may not be available yet.
type Future[V any] interface {
	// Key identifies the future's record.
	Key() store.Key

	// Get waits for the result.
	Get(ctx context.Context) (V, error)

	// GetTimeout waits at most d. A TIMEOUT error is returned if the
	// result did not arrive in time.
	GetTimeout(ctx context.Context, d time.Duration) (V, error)

	// Done reports completion where Capabilities().DoneQuery is set,
	// and returns an UNSUPPORTED error otherwise.
	Done() (bool, error)

	// Cancel always returns an UNSUPPORTED error; remote work cannot be cancelled.
	Cancel() error

	// Cancelled always returns an UNSUPPORTED error.
	Cancelled() (bool, error)

	Capabilities() Capabilities
}

// ResolvedFuture is a future delivered by Poll or Take. Its outcome is already
// consumed from the store and held in memory.
type ResolvedFuture[V any] struct {
	key     store.Key
	value   V
	err     error
	outcome *future.Outcome
}

func resolve[V any](r *future.Record) *ResolvedFuture[V] {
	f := &ResolvedFuture[V]{key: r.Key(), outcome: r.Outcome}
	if err := r.Outcome.Decode(&f.value); err != nil {
		f.err = err
	}
	return f
}

// Key identifies the consumed record.
func (f *ResolvedFuture[V]) Key() store.Key { return f.key }

// Get returns the value, or the task's TASK_FAILED error.
func (f *ResolvedFuture[V]) Get(ctx context.Context) (V, error) {
	return f.value, f.err
}

// GetTimeout is Get; the result is already here.
func (f *ResolvedFuture[V]) GetTimeout(ctx context.Context, d time.Duration) (V, error) {
	return f.value, f.err
}

// Done is always true.
func (f *ResolvedFuture[V]) Done() (bool, error) { return true, nil }

func (f *ResolvedFuture[V]) Cancel() error {
	return errors.Unsupported("cancel", errors.WithFutureID(f.key.ID))
}

func (f *ResolvedFuture[V]) Cancelled() (bool, error) {
	return false, errors.Unsupported("cancelled", errors.WithFutureID(f.key.ID))
}

func (f *ResolvedFuture[V]) Capabilities() Capabilities {
	return Capabilities{DoneQuery: true}
}

// Outcome returns the recorded outcome, including attempt and worker.
func (f *ResolvedFuture[V]) Outcome() *future.Outcome { return f.outcome }

package completion

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/future"
	"github.com/vinayprograms/completionkit/logging"
	"github.com/vinayprograms/completionkit/store"
)

// Handle is the future returned by Submit. It holds no state beyond its
// key; every check goes to the store and consumes the record if the
// outcome is there.
type Handle[V any] struct {
	st     store.Store
	key    store.Key
	policy PollPolicy
	log    *logrus.Entry
}

// NewHandle returns a handle for an existing record. Submit is the usual
// way to get one; this is for re-attaching to a key kept elsewhere.
func NewHandle[V any](st store.Store, key store.Key, policy PollPolicy, log *logrus.Entry) *Handle[V] {
	return &Handle[V]{
		st:     st,
		key:    key,
		policy: policy.normalize(),
		log:    logging.Component(log, "handle").WithField(logging.FieldFutureID, key.ID),
	}
}

// Key identifies the record.
func (h *Handle[V]) Key() store.Key { return h.key }

// Check looks at the record once. If ctx ends during the look the
// result is Pending with a TIMEOUT or CANCELED error.
func (h *Handle[V]) Check(ctx context.Context) Result[V] {
	var res Result[V]

	rec, err := future.QueryByKey(ctx, h.st, nil, h.key)
	switch {
	case errors.Is(err, errors.ErrCodeConflict):
		res.State = Pending
		return res
	case err != nil && ctx.Err() != nil:
		res.State = Pending
		res.Err = errors.Wrap(ctx.Err(), "wait for future", errors.WithFutureID(h.key.ID))
		return res
	case err != nil:
		res.State = StoreUnavailable
		res.Err = err
		return res
	case rec == nil:
		res.State = Pending
		return res
	}

	if err := rec.Outcome.Decode(&res.Value); err != nil {
		res.State = Failed
		res.Err = err
		return res
	}
	res.State = Resolved
	return res
}

// Get polls until the result arrives, the store fails, or ctx is done.
func (h *Handle[V]) Get(ctx context.Context) (V, error) {
	var zero V
	b := h.policy.backOff()

	for {
		res := h.Check(ctx)
		switch res.State {
		case Resolved:
			return res.Value, nil
		case Failed, StoreUnavailable:
			h.log.WithError(res.Err).WithField("state", res.State).Debug("future did not resolve")
			return zero, res.Err
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Wrap(ctx.Err(), "wait for future", errors.WithFutureID(h.key.ID))
		case <-timer.C:
		}
	}
}

// GetTimeout polls for at most d.
func (h *Handle[V]) GetTimeout(ctx context.Context, d time.Duration) (V, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return h.Get(ctx)
}

// Done is not supported on a handle: answering it would consume the record.
func (h *Handle[V]) Done() (bool, error) {
	return false, errors.Unsupported("done", errors.WithFutureID(h.key.ID))
}

func (h *Handle[V]) Cancel() error {
	return errors.Unsupported("cancel", errors.WithFutureID(h.key.ID))
}

func (h *Handle[V]) Cancelled() (bool, error) {
	return false, errors.Unsupported("cancelled", errors.WithFutureID(h.key.ID))
}

func (h *Handle[V]) Capabilities() Capabilities {
	return Capabilities{}
}

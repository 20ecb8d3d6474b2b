package future

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/store"
)

// persistAttempts bounds in-process retries of a conflicting Persist.
const persistAttempts = 3

// storeErr classifies a store failure. Conflicts keep their own code so
// callers can treat them as "try again". A call cut short by its context
// is TIMEOUT or CANCELED, not a store failure.
func storeErr(err error, key store.Key) error {
	if err == nil {
		return nil
	}
	if errors.As(err) != nil {
		return err
	}
	opts := []errors.Option{errors.WithFutureID(key.ID), errors.WithParentID(key.Parent)}
	var rerr *store.RestoreError
	if stderrors.As(err, &rerr) {
		keys := make([]string, len(rerr.Keys))
		for i, k := range rerr.Keys {
			keys[i] = k.String()
		}
		return errors.StoreUnavailable(err, append(opts, errors.WithMetadata("unrestored", strings.Join(keys, ",")))...)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, "store call interrupted", opts...)
	}
	if stderrors.Is(err, store.ErrConflict) {
		return errors.WrapWithCode(err, errors.ErrCodeConflict, "concurrent transaction won", opts...)
	}
	return errors.StoreUnavailable(err, opts...)
}

// New mints a pending record under parent without storing it.
func New(parent string) *Record {
	return &Record{
		ID:        uuid.NewString(),
		ParentID:  parent,
		CreatedAt: time.Now().UTC(),
	}
}

// Insert stores r as given.
func Insert(ctx context.Context, st store.Store, r *Record) error {
	e, err := r.entity()
	if err != nil {
		return err
	}
	if err := st.Put(ctx, e); err != nil {
		return storeErr(err, r.Key())
	}
	return nil
}

// Create persists a new pending record under parent.
func Create(ctx context.Context, st store.Store, parent string) (*Record, error) {
	r := New(parent)
	if err := Insert(ctx, st, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a record regardless of state.
func Delete(ctx context.Context, st store.Store, key store.Key) error {
	return storeErr(st.Delete(ctx, key), key)
}

// QueryCompletedByParent returns up to limit completed records under
// parent and deletes each of them in tx. With a nil tx the read and the
// deletes commit together before returning. A record that cannot be
// decoded is consumed too and comes back as a failed CORRUPTION outcome.
func QueryCompletedByParent(ctx context.Context, st store.Store, tx store.Tx, parent string, limit int) ([]*Record, error) {
	var out []*Record
	err := store.RunInTx(ctx, st, tx, func(tx store.Tx) error {
		out = out[:0]
		entities, err := tx.Query(ctx, store.Query{Parent: parent, DoneOnly: true, Limit: limit})
		if err != nil {
			return err
		}
		for _, e := range entities {
			r, err := fromEntity(e)
			if err != nil {
				r = unreadable(e, err)
			}
			if !r.Completed() {
				continue
			}
			if err := tx.Delete(ctx, e.Key); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, store.Key{Parent: parent})
	}
	return out, nil
}

// QueryByKey consumes a completed record. It returns (nil, nil) when the
// record is pending or absent. An undecodable record is consumed as a
// failed CORRUPTION outcome.
func QueryByKey(ctx context.Context, st store.Store, tx store.Tx, key store.Key) (*Record, error) {
	var out *Record
	err := store.RunInTx(ctx, st, tx, func(tx store.Tx) error {
		out = nil
		e, err := tx.Get(ctx, key)
		if stderrors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		r, err := fromEntity(e)
		if err != nil {
			r = unreadable(e, err)
		}
		if !r.Completed() {
			return nil
		}
		if err := tx.Delete(ctx, key); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, storeErr(err, key)
	}
	return out, nil
}

// Peek reads a record without consuming it. It returns (nil, nil) when
// the record is absent.
func Peek(ctx context.Context, st store.Store, key store.Key) (*Record, error) {
	e, err := st.Get(ctx, key)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, key)
	}
	return fromEntity(e)
}

// Persist records an outcome for key. If the record already holds an
// outcome it is left as is. If the record is gone it is recreated, so a
// duplicate delivery never fails. Conflicts are retried a few times.
func Persist(ctx context.Context, st store.Store, key store.Key, outcome *Outcome) error {
	if outcome == nil {
		return errors.New(errors.ErrCodeInvalidInput, "nil outcome",
			errors.WithFutureID(key.ID), errors.WithParentID(key.Parent))
	}
	if err := key.Validate(); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid future key",
			errors.WithFutureID(key.ID), errors.WithParentID(key.Parent))
	}

	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		err = store.RunInTx(ctx, st, nil, func(tx store.Tx) error {
			return persistTx(ctx, tx, key, outcome)
		})
		if !stderrors.Is(err, store.ErrConflict) {
			break
		}
	}
	return storeErr(err, key)
}

func persistTx(ctx context.Context, tx store.Tx, key store.Key, outcome *Outcome) error {
	r := &Record{ID: key.ID, ParentID: key.Parent, CreatedAt: outcome.CompletedAt}

	e, err := tx.Get(ctx, key)
	switch {
	case stderrors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		// An unreadable record is overwritten with the outcome.
		existing, err := fromEntity(e)
		if err != nil {
			break
		}
		if existing.Completed() {
			return nil
		}
		r = existing
	}

	r.Outcome = outcome
	ne, err := r.entity()
	if err != nil {
		return err
	}
	return tx.Put(ctx, ne)
}

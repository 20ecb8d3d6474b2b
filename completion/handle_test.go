package completion

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/future"
	"github.com/vinayprograms/completionkit/store"
)

// flakyStore fails the next n transactions.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) Begin(ctx context.Context) (store.Tx, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, stderrors.New("store down")
	}
	return f.Store.Begin(ctx)
}

// stallingStore blocks every transaction until the caller's context ends
// and then fails with an error that does not mention the context.
type stallingStore struct {
	store.Store
}

func (s stallingStore) Begin(ctx context.Context) (store.Tx, error) {
	<-ctx.Done()
	return nil, stderrors.New("connection timed out")
}

func persist(t *testing.T, st store.Store, key store.Key, v any) {
	o, err := future.Success(v)
	require.NoError(t, err)
	require.NoError(t, future.Persist(context.Background(), st, key, o))
}

func TestHandle_CheckStates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()

	rec, err := future.Create(ctx, st, "p")
	require.NoError(t, err)
	h := NewHandle[int](st, rec.Key(), fast, nil)

	res := h.Check(ctx)
	assert.Equal(t, Pending, res.State)
	assert.NoError(t, res.Err)

	persist(t, st, rec.Key(), 42)
	res = h.Check(ctx)
	assert.Equal(t, Resolved, res.State)
	assert.Equal(t, 42, res.Value)

	// Consumed: looks pending from now on.
	res = h.Check(ctx)
	assert.Equal(t, Pending, res.State)
}

func TestHandle_CheckFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()

	rec, err := future.Create(ctx, st, "p")
	require.NoError(t, err)
	require.NoError(t, future.Persist(ctx, st, rec.Key(),
		future.Failure(errors.TaskFailed(rec.ID, "boom"))))

	res := NewHandle[int](st, rec.Key(), fast, nil).Check(ctx)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeTaskFailed))
}

func TestHandle_CheckWrongValueType(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()

	rec, err := future.Create(ctx, st, "p")
	require.NoError(t, err)
	persist(t, st, rec.Key(), "not a number")

	res := NewHandle[int](st, rec.Key(), fast, nil).Check(ctx)
	assert.Equal(t, Failed, res.State)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeCorruption))
}

func TestHandle_CheckStoreUnavailable(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore()}
	defer st.Close()
	st.failures.Store(1)

	res := NewHandle[int](st, store.Key{Parent: "p", ID: "f"}, fast, nil).Check(context.Background())
	assert.Equal(t, StoreUnavailable, res.State)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeStoreUnavailable))
}

func TestHandle_GetWaitsForResult(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()

	rec, err := future.Create(ctx, st, "p")
	require.NoError(t, err)
	h := NewHandle[int](st, rec.Key(), fast, nil)

	time.AfterFunc(40*time.Millisecond, func() {
		o, _ := future.Success(15)
		_ = future.Persist(ctx, st, rec.Key(), o)
	})

	v, err := h.GetTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 15, v)
	assert.Equal(t, 0, st.Len())
}

func TestHandle_GetReturnsStoreErrorImmediately(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore()}
	defer st.Close()
	st.failures.Store(1)

	h := NewHandle[int](st, store.Key{Parent: "p", ID: "f"}, fast, nil)

	start := time.Now()
	_, err := h.Get(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodeStoreUnavailable))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestHandle_GetTimeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()

	rec, err := future.Create(ctx, st, "p")
	require.NoError(t, err)

	start := time.Now()
	_, err = NewHandle[int](st, rec.Key(), fast, nil).GetTimeout(ctx, 60*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandle_UnsupportedOperations(t *testing.T) {
	h := NewHandle[int](nil, store.Key{Parent: "p", ID: "f"}, fast, nil)

	_, err := h.Done()
	assert.True(t, errors.Is(err, errors.ErrCodeUnsupported))
	assert.True(t, errors.Is(h.Cancel(), errors.ErrCodeUnsupported))
	_, err = h.Cancelled()
	assert.True(t, errors.Is(err, errors.ErrCodeUnsupported))
	assert.Equal(t, Capabilities{}, h.Capabilities())
}

func TestResolvedFuture(t *testing.T) {
	o, err := future.Success(7)
	require.NoError(t, err)
	rec := &future.Record{ID: "f", ParentID: "p", Outcome: o}

	f := resolve[int](rec)
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	v, err = f.GetTimeout(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	done, err := f.Done()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, f.Capabilities().DoneQuery)
	assert.False(t, f.Capabilities().Cancel)
	assert.True(t, errors.Is(f.Cancel(), errors.ErrCodeUnsupported))
	_, err = f.Cancelled()
	assert.True(t, errors.Is(err, errors.ErrCodeUnsupported))
}

func TestPollPolicy(t *testing.T) {
	b := PollPolicy{Interval: 10 * time.Millisecond, MaxInterval: 35 * time.Millisecond, Multiplier: 2}.normalize().backOff()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 35*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 35*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())

	fixed := DefaultPollPolicy().backOff()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 500*time.Millisecond, fixed.NextBackOff())
	}

	zero := PollPolicy{}.normalize()
	assert.Equal(t, DefaultPollPolicy().Interval, zero.Interval)
	assert.Equal(t, 1.0, zero.Multiplier)
	assert.Equal(t, zero.Interval, zero.MaxInterval)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "store_unavailable", StoreUnavailable.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestHandle_GetTimeoutDuringStoreCall(t *testing.T) {
	st := stallingStore{Store: store.NewMemoryStore()}
	defer st.Close()
	h := NewHandle[int](st, store.Key{Parent: "p", ID: "f"}, fast, nil)

	for i := 0; i < 20; i++ {
		_, err := h.GetTimeout(context.Background(), 5*time.Millisecond)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCodeTimeout), "got %v", err)
		assert.False(t, errors.Is(err, errors.ErrCodeStoreUnavailable))
	}
}

func TestHandle_CheckCanceled(t *testing.T) {
	st := stallingStore{Store: store.NewMemoryStore()}
	defer st.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewHandle[int](st, store.Key{Parent: "p", ID: "f"}, fast, nil).Check(ctx)
	assert.Equal(t, Pending, res.State)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeCanceled))
}

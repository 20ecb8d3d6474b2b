package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/completionkit/dispatch"
	"github.com/vinayprograms/completionkit/envelope"
	"github.com/vinayprograms/completionkit/future"
	"github.com/vinayprograms/completionkit/store"
)

func runWorker(t *testing.T, st store.Store, q *dispatch.MemoryQueue) (*Worker, func()) {
	w := NewWorker(New(st, registry()), q, WorkerConfig{Concurrency: 2, RetryDelay: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return w, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := DefaultWorkerConfig()
	assert.Equal(t, "default", cfg.Destination)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, time.Second, cfg.RetryDelay)
}

func TestWorker_ExecutesAndAcks(t *testing.T) {
	st := newStore(t)
	q := dispatch.NewMemoryQueue(dispatch.DefaultConfig())
	defer q.Close()
	w, stop := runWorker(t, st, q)

	env := submit(t, st, &sumTask{From: 1, To: 5})
	payload, err := envelope.Encode(env, 0)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "default", payload))

	assert.Eventually(t, func() bool { return w.Stats().Acked == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()

	rec, err := future.Peek(context.Background(), st, env.Key())
	require.NoError(t, err)
	require.True(t, rec.Completed())
	var n int
	require.NoError(t, rec.Outcome.Decode(&n))
	assert.Equal(t, 15, n)
}

func TestWorker_DropsUndecodable(t *testing.T) {
	st := newStore(t)
	q := dispatch.NewMemoryQueue(dispatch.DefaultConfig())
	defer q.Close()
	w, stop := runWorker(t, st, q)

	require.NoError(t, q.Enqueue(context.Background(), "default", []byte("garbage")))

	assert.Eventually(t, func() bool { return w.Stats().Dropped == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()
	assert.Equal(t, int64(0), w.Stats().Redelivered)
}

func TestWorker_RedeliversOnStoreFailure(t *testing.T) {
	mem := newStore(t)
	st := &flakyStore{Store: mem}
	q := dispatch.NewMemoryQueue(dispatch.DefaultConfig())
	defer q.Close()

	env := submit(t, mem, &sumTask{From: 1, To: 4})
	payload, err := envelope.Encode(env, 0)
	require.NoError(t, err)

	// Persist retries conflicts, not outages; each delivery burns one Begin.
	st.failures.Store(2)
	w, stop := runWorker(t, st, q)
	require.NoError(t, q.Enqueue(context.Background(), "default", payload))

	assert.Eventually(t, func() bool { return w.Stats().Acked == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int64(2), w.Stats().Redelivered)
	rec, err := future.Peek(context.Background(), mem, env.Key())
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Outcome.Attempt)
}

func TestWorker_ConsumeError(t *testing.T) {
	st := newStore(t)
	q := dispatch.NewMemoryQueue(dispatch.DefaultConfig())
	q.Close()

	w := NewWorker(New(st, registry()), q, DefaultWorkerConfig(), nil)
	assert.Error(t, w.Run(context.Background()))
}

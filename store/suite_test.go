package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the behavior every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, Key{Parent: "p", ID: "missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		key := Key{Parent: "p", ID: "a"}
		require.NoError(t, s.Put(ctx, Entity{Key: key, Data: []byte("hello")}))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, got.Key)
		assert.Equal(t, []byte("hello"), got.Data)
		assert.False(t, got.Done)
		assert.NotZero(t, got.Revision)
	})

	t.Run("PutOverwriteBumpsRevision", func(t *testing.T) {
		s := newStore(t)
		key := Key{Parent: "p", ID: "a"}
		require.NoError(t, s.Put(ctx, Entity{Key: key, Data: []byte("1")}))
		first, err := s.Get(ctx, key)
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, Entity{Key: key, Data: []byte("2"), Done: true}))
		second, err := s.Get(ctx, key)
		require.NoError(t, err)

		assert.Equal(t, []byte("2"), second.Data)
		assert.True(t, second.Done)
		assert.Greater(t, second.Revision, first.Revision)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)
		for _, key := range []Key{{}, {Parent: "p"}, {Parent: "a.b", ID: "c"}, {Parent: "p", ID: "x>"}} {
			assert.ErrorIs(t, s.Put(ctx, Entity{Key: key}), ErrInvalidKey, key.String())
		}
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Delete(ctx, Key{Parent: "p", ID: "missing"}))
	})

	t.Run("QueryByParent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "p1", ID: "a"}, Done: true}))
		require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "p1", ID: "b"}}))
		require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "p1", ID: "c"}, Done: true}))
		require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "p2", ID: "d"}, Done: true}))

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		all, err := tx.Query(ctx, Query{Parent: "p1"})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		done, err := tx.Query(ctx, Query{Parent: "p1", DoneOnly: true})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, ids(done))

		limited, err := tx.Query(ctx, Query{Parent: "p1", DoneOnly: true, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := tx.Query(ctx, Query{Parent: "p3"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("TxCommitAppliesWrites", func(t *testing.T) {
		s := newStore(t)
		keep := Key{Parent: "p", ID: "keep"}
		drop := Key{Parent: "p", ID: "drop"}
		require.NoError(t, s.Put(ctx, Entity{Key: drop}))

		err := RunInTx(ctx, s, nil, func(tx Tx) error {
			if _, err := tx.Get(ctx, drop); err != nil {
				return err
			}
			if err := tx.Delete(ctx, drop); err != nil {
				return err
			}
			return tx.Put(ctx, Entity{Key: keep, Data: []byte("x")})
		})
		require.NoError(t, err)

		_, err = s.Get(ctx, drop)
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := s.Get(ctx, keep)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got.Data)
	})

	t.Run("TxRollbackDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		key := Key{Parent: "p", ID: "a"}

		boom := errors.New("boom")
		err := RunInTx(ctx, s, nil, func(tx Tx) error {
			if err := tx.Put(ctx, Entity{Key: key}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TxFinishedTwice", func(t *testing.T) {
		s := newStore(t)
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
	})

	t.Run("RunInTxReusesCallerTx", func(t *testing.T) {
		s := newStore(t)
		key := Key{Parent: "p", ID: "a"}

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, RunInTx(ctx, s, tx, func(inner Tx) error {
			assert.Same(t, tx, inner)
			return inner.Put(ctx, Entity{Key: key})
		}))

		// Caller still owns the transaction.
		got, err := tx.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, got.Key)
		require.NoError(t, tx.Commit(ctx))

		_, err = s.Get(ctx, key)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentConsumeIsExclusive", func(t *testing.T) {
		s := newStore(t)
		key := Key{Parent: "p", ID: "once"}
		require.NoError(t, s.Put(ctx, Entity{Key: key, Done: true}))

		var consumed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := RunInTx(ctx, s, nil, func(tx Tx) error {
					if _, err := tx.Get(ctx, key); err != nil {
						return err
					}
					return tx.Delete(ctx, key)
				})
				if err == nil {
					consumed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), consumed.Load())
	})

	t.Run("Watch", func(t *testing.T) {
		s := newStore(t)
		w, ok := s.(Watcher)
		if !ok {
			t.Skip("backend does not watch")
		}

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := w.Watch(wctx, "watched")
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "other", ID: "x"}}))
		require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "watched", ID: "y"}}))

		select {
		case key := <-ch:
			assert.Equal(t, Key{Parent: "watched", ID: "y"}, key)
		case <-time.After(2 * time.Second):
			t.Fatal("no watch event")
		}
	})
}

func ids(es []*Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Key.ID
	}
	return out
}

func TestKeyValidate(t *testing.T) {
	tests := []struct {
		key   Key
		valid bool
	}{
		{Key{Parent: "p", ID: "a"}, true},
		{Key{Parent: "3f1e-uuid", ID: "9c0d-uuid"}, true},
		{Key{Parent: "", ID: "a"}, false},
		{Key{Parent: "p", ID: ""}, false},
		{Key{Parent: "p.q", ID: "a"}, false},
		{Key{Parent: "p", ID: "a*"}, false},
		{Key{Parent: "p", ID: "a b"}, false},
		{Key{Parent: "p", ID: "a/b"}, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.key.String()), func(t *testing.T) {
			err := tt.key.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestEntityClone(t *testing.T) {
	var nilEntity *Entity
	assert.Nil(t, nilEntity.Clone())

	e := &Entity{Key: Key{Parent: "p", ID: "a"}, Data: []byte("abc"), Done: true, Revision: 3}
	c := e.Clone()
	c.Data[0] = 'x'
	assert.Equal(t, []byte("abc"), e.Data)
	assert.Equal(t, e.Revision, c.Revision)
}

func TestRunInTx_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()
	key := Key{Parent: "p", ID: "a"}

	assert.Panics(t, func() {
		_ = RunInTx(ctx, s, nil, func(tx Tx) error {
			_ = tx.Put(ctx, Entity{Key: key})
			panic("boom")
		})
	})

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

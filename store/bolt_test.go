package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	s, err := NewBoltStore(BoltStoreConfig{
		Path:   filepath.Join(t.TempDir(), "results.db"),
		NoSync: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestBoltStore(t)
	})
}

func TestBoltStore_RequiresPath(t *testing.T) {
	_, err := NewBoltStore(BoltStoreConfig{})
	assert.Error(t, err)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "results.db")
	key := Key{Parent: "p", ID: "a"}

	s, err := NewBoltStore(BoltStoreConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Entity{Key: key, Data: []byte("kept"), Done: true}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(BoltStoreConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Data)
	assert.True(t, got.Done)
}

func TestBoltStore_WatchOnlyAfterCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestBoltStore(t)

	ch, err := s.Watch(ctx, "p")
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, Entity{Key: Key{Parent: "p", ID: "a"}}))
	require.NoError(t, tx.Rollback())

	select {
	case key := <-ch:
		t.Fatalf("unexpected event for rolled back write: %v", key)
	default:
	}

	require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "p", ID: "b"}}))
	assert.Equal(t, Key{Parent: "p", ID: "b"}, <-ch)
}

func TestBoltStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)
	require.NoError(t, s.Close())

	_, err := s.Begin(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Get(ctx, Key{Parent: "p", ID: "a"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBoltStore_Len(t *testing.T) {
	ctx := context.Background()
	s := newTestBoltStore(t)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "p", ID: "a"}}))
	require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "p", ID: "b"}}))
	require.NoError(t, s.Put(ctx, Entity{Key: Key{Parent: "q", ID: "a"}}))
	assert.Equal(t, 3, s.Len())

	require.NoError(t, s.Delete(ctx, Key{Parent: "p", ID: "a"}))
	assert.Equal(t, 2, s.Len())
}

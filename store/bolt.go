package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var rootBucket = []byte("entities")

// BoltStore implements Store on a bbolt file. Write transactions are
// serialized by bbolt, so commits never conflict.
type BoltStore struct {
	db     *bolt.DB
	hub    *watchHub
	closed atomic.Bool
}

// BoltStoreConfig holds bbolt store configuration.
type BoltStoreConfig struct {
	// Path is the database file.
	Path string

	// Timeout bounds waiting for the file lock on open.
	// Default: 5s
	Timeout time.Duration

	// NoSync skips fsync on commit. Only for tests.
	NoSync bool
}

// DefaultBoltStoreConfig returns configuration with sensible defaults.
func DefaultBoltStoreConfig() BoltStoreConfig {
	return BoltStoreConfig{Timeout: 5 * time.Second}
}

// boltValue extends the shared layout with the bbolt-assigned revision.
type boltValue struct {
	storedEntity
	Rev uint64 `json:"rev"`
}

// NewBoltStore opens (or creates) a bbolt-backed store.
func NewBoltStore(cfg BoltStoreConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt path required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBoltStoreConfig().Timeout
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt: %w", err)
	}

	return &BoltStore{db: db, hub: newWatchHub()}, nil
}

// Begin starts a writable bbolt transaction. It blocks while another
// write transaction is open.
func (s *BoltStore) Begin(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := s.db.Begin(true)
	if err != nil {
		return nil, mapBoltErr(err)
	}
	tx := &boltTx{s: s, tx: btx}
	btx.OnCommit(func() { s.hub.notify(tx.written...) })
	return tx, nil
}

// Put creates or replaces an entity.
func (s *BoltStore) Put(ctx context.Context, e Entity) error {
	return RunInTx(ctx, s, nil, func(tx Tx) error {
		return tx.Put(ctx, e)
	})
}

// Get retrieves an entity by key.
func (s *BoltStore) Get(ctx context.Context, key Key) (*Entity, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out *Entity
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = boltGet(btx, key)
		return err
	})
	return out, mapBoltErr(err)
}

// Delete removes an entity.
func (s *BoltStore) Delete(ctx context.Context, key Key) error {
	return RunInTx(ctx, s, nil, func(tx Tx) error {
		return tx.Delete(ctx, key)
	})
}

// Watch streams keys written under parent by this process.
func (s *BoltStore) Watch(ctx context.Context, parent string) (<-chan Key, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.hub.watch(ctx, parent)
}

// Len returns the number of stored entities.
func (s *BoltStore) Len() int {
	if s.closed.Load() {
		return 0
	}
	n := 0
	_ = s.db.View(func(btx *bolt.Tx) error {
		root := btx.Bucket(rootBucket)
		return root.ForEachBucket(func(k []byte) error {
			n += root.Bucket(k).Stats().KeyN
			return nil
		})
	})
	return n
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.close()
	return s.db.Close()
}

func mapBoltErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, berrors.ErrDatabaseNotOpen):
		return ErrClosed
	case errors.Is(err, berrors.ErrTxClosed):
		return ErrTxDone
	default:
		return err
	}
}

func boltGet(btx *bolt.Tx, key Key) (*Entity, error) {
	b := btx.Bucket(rootBucket).Bucket([]byte(key.Parent))
	if b == nil {
		return nil, ErrNotFound
	}
	raw := b.Get([]byte(key.ID))
	if raw == nil {
		return nil, ErrNotFound
	}
	return decodeBolt(key, raw)
}

// decodeBolt copies out of the mmap; raw is only valid for the life of the tx.
func decodeBolt(key Key, raw []byte) (*Entity, error) {
	var v boltValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &Entity{Key: key, Data: v.Data, Done: v.Done, Revision: v.Rev}, nil
}

type boltTx struct {
	s       *BoltStore
	tx      *bolt.Tx
	written []Key
}

func (tx *boltTx) Get(ctx context.Context, key Key) (*Entity, error) {
	if tx.tx.DB() == nil {
		return nil, ErrTxDone
	}
	return boltGet(tx.tx, key)
}

func (tx *boltTx) Query(ctx context.Context, q Query) ([]*Entity, error) {
	if tx.tx.DB() == nil {
		return nil, ErrTxDone
	}
	b := tx.tx.Bucket(rootBucket).Bucket([]byte(q.Parent))
	if b == nil {
		return nil, nil
	}

	var out []*Entity
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		e, err := decodeBolt(Key{Parent: q.Parent, ID: string(k)}, v)
		if err != nil {
			return nil, err
		}
		if q.DoneOnly && !e.Done {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (tx *boltTx) Put(ctx context.Context, e Entity) error {
	if tx.tx.DB() == nil {
		return ErrTxDone
	}
	if err := e.Key.Validate(); err != nil {
		return err
	}

	b, err := tx.tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(e.Key.Parent))
	if err != nil {
		return fmt.Errorf("parent bucket: %w", err)
	}
	rev, err := b.NextSequence()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(boltValue{storedEntity: storedEntity{Done: e.Done, Data: e.Data}, Rev: rev})
	if err != nil {
		return err
	}
	if err := b.Put([]byte(e.Key.ID), raw); err != nil {
		return err
	}
	tx.written = append(tx.written, e.Key)
	return nil
}

func (tx *boltTx) Delete(ctx context.Context, key Key) error {
	if tx.tx.DB() == nil {
		return ErrTxDone
	}
	b := tx.tx.Bucket(rootBucket).Bucket([]byte(key.Parent))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key.ID))
}

func (tx *boltTx) Commit(ctx context.Context) error {
	return mapBoltErr(tx.tx.Commit())
}

func (tx *boltTx) Rollback() error {
	return mapBoltErr(tx.tx.Rollback())
}

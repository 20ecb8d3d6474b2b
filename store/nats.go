package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/logging"
)

// NATSStore implements Store using NATS JetStream KV.
//
// Keys are stored as "<parent>.<id>". A transaction commits its writes one
// key at a time with compare-and-set against the revisions it read. When a
// later write loses its race, the writes already applied are restored
// before ErrConflict is returned. Writes that cannot be restored are
// reported as a *RestoreError.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	log    *logrus.Entry
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Replicas for the backing stream.
	// Default: 1
	Replicas int

	// RestoreTimeout bounds the retries that undo a failed commit.
	// Default: 5s
	RestoreTimeout time.Duration

	// Log receives restore failures. Default discards.
	Log *logrus.Entry
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "completion-results",
		History:      1,
		MaxValueSize:   1024 * 1024,
		Replicas:       1,
		RestoreTimeout: 5 * time.Second,
	}
}

// NewNATSStore creates (or binds to) the KV bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = def.Replicas
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = def.RestoreTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
		Replicas:     cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		log:    logging.Component(cfg.Log, "store.nats"),
	}, nil
}

func kvKey(k Key) string {
	return k.Parent + "." + k.ID
}

func parseKVKey(s string) (Key, bool) {
	parent, id, ok := strings.Cut(s, ".")
	if !ok {
		return Key{}, false
	}
	return Key{Parent: parent, ID: id}, true
}

// isConflict reports whether a KV write lost a compare-and-set race.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *NATSStore) get(ctx context.Context, key Key) (*Entity, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return decodeEntity(key, entry.Value(), entry.Revision())
}

// Begin starts an optimistic transaction.
func (s *NATSStore) Begin(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &natsTx{
		s:      s,
		reads:  make(map[Key]*Entity),
		writes: make(map[Key]*Entity),
	}, nil
}

// Put creates or replaces an entity.
func (s *NATSStore) Put(ctx context.Context, e Entity) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := e.Key.Validate(); err != nil {
		return err
	}
	raw, err := encodeEntity(e)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, kvKey(e.Key), raw); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Get retrieves an entity by key.
func (s *NATSStore) Get(ctx context.Context, key Key) (*Entity, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.get(ctx, key)
}

// Delete removes an entity.
func (s *NATSStore) Delete(ctx context.Context, key Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.kv.Delete(ctx, kvKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Watch streams keys written under parent.
func (s *NATSStore) Watch(ctx context.Context, parent string) (<-chan Key, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validatePart(parent); err != nil {
		return nil, err
	}

	watcher, err := s.kv.Watch(ctx, parent+".*", jetstream.IgnoreDeletes(), jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan Key, 64)
	go s.watchLoop(ctx, watcher, ch)
	return ch, nil
}

func (s *NATSStore) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher, ch chan Key) {
	defer close(ch)
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			key, ok := parseKVKey(entry.Key())
			if !ok {
				continue
			}
			select {
			case ch <- key:
			default:
				// Channel full
			}
		}
		if s.closed.Load() {
			return
		}
	}
}

// query lists the current entities under a parent by replaying the
// bucket's latest values for "<parent>.*" up to the end-of-snapshot marker.
func (s *NATSStore) query(ctx context.Context, q Query) ([]*Entity, error) {
	watcher, err := s.kv.Watch(ctx, q.Parent+".*", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer watcher.Stop()

	var out []*Entity
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok || entry == nil {
				return out, nil
			}
			key, ok := parseKVKey(entry.Key())
			if !ok {
				continue
			}
			e, err := decodeEntity(key, entry.Value(), entry.Revision())
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			if q.DoneOnly && !e.Done {
				continue
			}
			out = append(out, e)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

type natsTx struct {
	s      *NATSStore
	reads  map[Key]*Entity // nil: read as absent
	writes map[Key]*Entity // nil: delete
	order  []Key
	done   bool
}

func (tx *natsTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (tx *natsTx) record(e *Entity, key Key) {
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = e
	}
}

func (tx *natsTx) Get(ctx context.Context, key Key) (*Entity, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if w, ok := tx.writes[key]; ok {
		if w == nil {
			return nil, ErrNotFound
		}
		return w.Clone(), nil
	}

	e, err := tx.s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		tx.record(nil, key)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	tx.record(e.Clone(), key)
	return e, nil
}

func (tx *natsTx) Query(ctx context.Context, q Query) ([]*Entity, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if err := validatePart(q.Parent); err != nil {
		return nil, err
	}
	found, err := tx.s.query(ctx, q)
	if err != nil {
		return nil, err
	}

	out := found[:0]
	for _, e := range found {
		if w, ok := tx.writes[e.Key]; ok && w == nil {
			continue
		}
		tx.record(e.Clone(), e.Key)
		out = append(out, e)
	}
	return out, nil
}

func (tx *natsTx) stage(key Key, e *Entity) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = e
}

func (tx *natsTx) Put(ctx context.Context, e Entity) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := e.Key.Validate(); err != nil {
		return err
	}
	tx.stage(e.Key, e.Clone())
	return nil
}

func (tx *natsTx) Delete(ctx context.Context, key Key) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	tx.stage(key, nil)
	return nil
}

// applied remembers what a committed write replaced so it can be undone.
type applied struct {
	key  Key
	prev *Entity
	read bool
}

func (tx *natsTx) Commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true

	var done []applied
	for _, key := range tx.order {
		prev, read := tx.reads[key]
		if err := tx.apply(ctx, key, tx.writes[key], prev, read); err != nil {
			if isConflict(err) {
				err = ErrConflict
			}
			return tx.undo(ctx, done, err)
		}
		done = append(done, applied{key: key, prev: prev, read: read})
	}

	// Read-only entries must still be unchanged.
	for key, prev := range tx.reads {
		if _, wrote := tx.writes[key]; wrote {
			continue
		}
		cur, err := tx.s.get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return tx.undo(ctx, done, err)
		}
		if revisionOf(cur) != revisionOf(prev) {
			return tx.undo(ctx, done, ErrConflict)
		}
	}
	return nil
}

// undo restores done and returns cause, or a *RestoreError when some
// writes stayed applied.
func (tx *natsTx) undo(ctx context.Context, done []applied, cause error) error {
	lost := tx.restore(ctx, done)
	if len(lost) == 0 {
		return cause
	}
	keys := make([]Key, len(lost))
	errs := make([]error, len(lost))
	for i, l := range lost {
		keys[i] = l.key
		errs[i] = l.err
	}
	rerr := &RestoreError{Keys: keys, Cause: cause, Err: errors.Join(errs...)}
	tx.s.log.WithError(rerr).WithField("keys", keys).Error("commit failed and could not be undone")
	return rerr
}

func revisionOf(e *Entity) uint64 {
	if e == nil {
		return 0
	}
	return e.Revision
}

func (tx *natsTx) apply(ctx context.Context, key Key, w, prev *Entity, read bool) error {
	k := kvKey(key)

	if w == nil {
		switch {
		case !read:
			return tx.s.kv.Delete(ctx, k)
		case prev == nil:
			return nil
		default:
			return tx.s.kv.Delete(ctx, k, jetstream.LastRevision(prev.Revision))
		}
	}

	raw, err := encodeEntity(*w)
	if err != nil {
		return err
	}
	switch {
	case !read:
		_, err = tx.s.kv.Put(ctx, k, raw)
	case prev == nil:
		_, err = tx.s.kv.Create(ctx, k, raw)
	default:
		_, err = tx.s.kv.Update(ctx, k, raw, prev.Revision)
	}
	return err
}

type unrestored struct {
	key Key
	err error
}

// restore undoes applied writes in reverse order, retrying each one until
// RestoreTimeout. Blind writes have no prior value to put back.
func (tx *natsTx) restore(ctx context.Context, done []applied) []unrestored {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tx.s.config.RestoreTimeout)
	defer cancel()

	var lost []unrestored
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		if !a.read {
			continue
		}
		var last error
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			last = tx.putBack(ctx, a)
			return struct{}{}, last
		}, backoff.WithBackOff(restoreBackOff()))
		if err != nil {
			if last == nil {
				last = err
			}
			lost = append(lost, unrestored{key: a.key, err: last})
			tx.s.log.WithError(last).WithField("key", kvKey(a.key)).Warn("restore failed")
		}
	}
	return lost
}

func (tx *natsTx) putBack(ctx context.Context, a applied) error {
	k := kvKey(a.key)
	if a.prev == nil {
		err := tx.s.kv.Delete(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	raw, err := encodeEntity(*a.prev)
	if err != nil {
		return backoff.Permanent(err)
	}
	_, err = tx.s.kv.Put(ctx, k, raw)
	return err
}

func restoreBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

func (tx *natsTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return nil
}

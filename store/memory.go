package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore implements Store using in-memory storage.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[Key]*entry
	revision uint64
	hub      *watchHub
	closed   atomic.Bool
}

type entry struct {
	data     []byte
	done     bool
	revision uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Key]*entry),
		hub:  newWatchHub(),
	}
}

func (s *MemoryStore) entity(key Key, e *entry) *Entity {
	out := &Entity{Key: key, Done: e.done, Revision: e.revision}
	if e.data != nil {
		out.Data = make([]byte, len(e.data))
		copy(out.Data, e.data)
	}
	return out
}

// put writes an entity. Caller must hold the write lock.
func (s *MemoryStore) put(e Entity) {
	s.revision++
	data := make([]byte, len(e.Data))
	copy(data, e.Data)
	s.data[e.Key] = &entry{data: data, done: e.Done, revision: s.revision}
}

// Begin starts an optimistic transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &memoryTx{
		s:      s,
		reads:  make(map[Key]uint64),
		writes: make(map[Key]*Entity),
	}, nil
}

// Put creates or replaces an entity.
func (s *MemoryStore) Put(ctx context.Context, e Entity) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := e.Key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.put(e)
	s.mu.Unlock()

	s.hub.notify(e.Key)
	return nil
}

// Get retrieves an entity by key.
func (s *MemoryStore) Get(ctx context.Context, key Key) (*Entity, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.entity(key, e), nil
}

// Delete removes an entity.
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Watch streams keys written under parent.
func (s *MemoryStore) Watch(ctx context.Context, parent string) (<-chan Key, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.hub.watch(ctx, parent)
}

// Len returns the number of stored entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.close()

	s.mu.Lock()
	s.data = make(map[Key]*entry)
	s.mu.Unlock()
	return nil
}

// memoryTx records the revision of everything it reads and buffers its
// writes. Commit validates the read set under the store lock.
type memoryTx struct {
	s      *MemoryStore
	reads  map[Key]uint64 // zero: read as absent
	writes map[Key]*Entity
	order  []Key
	done   bool
}

func (tx *memoryTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (tx *memoryTx) record(key Key, rev uint64) {
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = rev
	}
}

func (tx *memoryTx) Get(ctx context.Context, key Key) (*Entity, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if w, ok := tx.writes[key]; ok {
		if w == nil {
			return nil, ErrNotFound
		}
		return w.Clone(), nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	e, ok := tx.s.data[key]
	if !ok {
		tx.record(key, 0)
		return nil, ErrNotFound
	}
	tx.record(key, e.revision)
	return tx.s.entity(key, e), nil
}

func (tx *memoryTx) Query(ctx context.Context, q Query) ([]*Entity, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	var out []*Entity
	for key, e := range tx.s.data {
		if key.Parent != q.Parent {
			continue
		}
		if q.DoneOnly && !e.done {
			continue
		}
		if w, ok := tx.writes[key]; ok && w == nil {
			continue
		}
		out = append(out, tx.s.entity(key, e))
	}

	// Oldest write first
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for _, e := range out {
		tx.record(e.Key, e.Revision)
	}
	return out, nil
}

func (tx *memoryTx) stage(key Key, e *Entity) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = e
}

func (tx *memoryTx) Put(ctx context.Context, e Entity) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := e.Key.Validate(); err != nil {
		return err
	}
	tx.stage(e.Key, e.Clone())
	return nil
}

func (tx *memoryTx) Delete(ctx context.Context, key Key) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.stage(key, nil)
	return nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true

	s := tx.s
	s.mu.Lock()
	for key, rev := range tx.reads {
		var current uint64
		if e, ok := s.data[key]; ok {
			current = e.revision
		}
		if current != rev {
			s.mu.Unlock()
			return ErrConflict
		}
	}

	var written []Key
	for _, key := range tx.order {
		w := tx.writes[key]
		if w == nil {
			delete(s.data, key)
			continue
		}
		s.put(*w)
		written = append(written, key)
	}
	s.mu.Unlock()

	s.hub.notify(written...)
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return nil
}

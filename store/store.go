package store

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotFound   = errors.New("entity not found")
	ErrClosed     = errors.New("store closed")
	ErrConflict   = errors.New("transaction conflict")
	ErrTxDone     = errors.New("transaction already finished")
	ErrInvalidKey = errors.New("invalid key")

	// ErrPartialCommit means a failed commit left some of its writes in
	// place. Match the details with errors.As and *RestoreError.
	ErrPartialCommit = errors.New("commit partially applied")
)

// RestoreError reports writes of a failed commit that could not be undone.
// Cause is why the commit failed and is not matched by errors.Is; Err
// holds the restore failures.
type RestoreError struct {
	Keys  []Key
	Cause error
	Err   error
}

func (e *RestoreError) Error() string {
	ids := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		ids[i] = k.String()
	}
	return "commit failed (" + e.Cause.Error() + "), unrestored " + strings.Join(ids, ",") + ": " + e.Err.Error()
}

func (e *RestoreError) Unwrap() []error {
	return []error{ErrPartialCommit, e.Err}
}

// Key identifies an entity. Parent groups entities for Query.
type Key struct {
	Parent string
	ID     string
}

// String returns "parent/id".
func (k Key) String() string {
	return k.Parent + "/" + k.ID
}

// Validate checks that both parts are usable as backend keys.
// Dots and NATS wildcards are reserved as separators.
func (k Key) Validate() error {
	if err := validatePart(k.Parent); err != nil {
		return err
	}
	return validatePart(k.ID)
}

func validatePart(s string) error {
	if s == "" || len(s) > 256 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(s, ". */>\t\r\n") {
		return ErrInvalidKey
	}
	return nil
}

// Entity is one stored record.
type Entity struct {
	Key Key

	// Data is the opaque record body.
	Data []byte

	// Done is an indexed flag; Query can restrict itself to done entities
	// without decoding Data.
	Done bool

	// Revision is assigned by the store on write and is read-only for callers.
	Revision uint64
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Data != nil {
		clone.Data = make([]byte, len(e.Data))
		copy(clone.Data, e.Data)
	}
	return &clone
}

// Query selects entities under one parent.
type Query struct {
	Parent string

	// DoneOnly restricts the result to entities with Done set.
	DoneOnly bool

	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Store is a transactional key-value store.
type Store interface {
	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)

	// Put creates or replaces an entity outside any transaction.
	Put(ctx context.Context, e Entity) error

	// Get reads an entity outside any transaction.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key Key) (*Entity, error)

	// Delete removes an entity. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// Close releases resources.
	Close() error
}

// Tx is a store transaction. Entities read through a Tx are validated at
// Commit; if any of them changed since it was read, Commit returns
// ErrConflict and nothing is applied.
type Tx interface {
	Get(ctx context.Context, key Key) (*Entity, error)
	Query(ctx context.Context, q Query) ([]*Entity, error)
	Put(ctx context.Context, e Entity) error
	Delete(ctx context.Context, key Key) error
	Commit(ctx context.Context) error
	Rollback() error
}

// Watcher is implemented by stores that can push change notifications.
type Watcher interface {
	// Watch streams the keys of entities written under parent until ctx
	// is done. Deliveries are best effort; a full channel drops events.
	Watch(ctx context.Context, parent string) (<-chan Key, error)
}

// RunInTx runs fn inside tx. When tx is nil an ambient transaction is
// opened, committed if fn succeeds and rolled back otherwise. A caller
// supplied tx is left for the caller to finish.
func RunInTx(ctx context.Context, st Store, tx Tx, fn func(Tx) error) (err error) {
	if tx != nil {
		return fn(tx)
	}

	tx, err = st.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return nil
}

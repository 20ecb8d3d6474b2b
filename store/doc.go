// Package store is the result rendezvous store: a transactional key-value
// store whose entities are grouped under a parent key.
//
// The completion protocol relies on exactly one property of this package:
// a transaction that reads an entity and deletes it either commits both or
// neither, and two transactions racing on the same entity cannot both
// commit. That is what makes consume-and-delete exactly-once.
//
// # Backends
//
//   - MemoryStore: optimistic transactions over an in-process map (tests, single process)
//   - BoltStore: bbolt file, serialized ACID write transactions
//   - NATSStore: NATS JetStream KV, per-key compare-and-set with compensating restore
//
// # Usage
//
//	st := store.NewMemoryStore()
//	err := store.RunInTx(ctx, st, nil, func(tx store.Tx) error {
//	    done, err := tx.Query(ctx, store.Query{Parent: parent, DoneOnly: true, Limit: 1000})
//	    if err != nil {
//	        return err
//	    }
//	    for _, e := range done {
//	        if err := tx.Delete(ctx, e.Key); err != nil {
//	            return err
//	        }
//	    }
//	    return nil
//	})
//
// Backends that can push change notifications implement Watcher.
package store

// Package future is the persisted side of the completion protocol: the
// Future Record that rendezvous a submitted task with its outcome, and the
// store operations that create, populate and consume it.
//
// A record moves through three states:
//
//	Create            Persist                  QueryByKey / QueryCompletedByParent
//	  │                  │                                  │
//	  ▼                  ▼                                  ▼
//	pending ──────────▶ completed ───────────────────────▶ deleted
//
// Consumption reads and deletes inside one store transaction, so a
// completed record is handed to at most one reader. Persist is an upsert
// and may run more than once for the same future id; the first completed
// outcome wins.
package future

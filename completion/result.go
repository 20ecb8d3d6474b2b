package completion

// State is the outcome of one look at a future.
type State int

const (
	// Pending means no outcome is recorded yet, or it was consumed elsewhere.
	// Err is set only when the caller's context ended.
	Pending State = iota

	// Resolved means the task returned a value.
	Resolved

	// Failed means the task returned an error, or its record is unreadable.
	Failed

	// StoreUnavailable means the store could not be read.
	StoreUnavailable
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case StoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// Result is returned by Handle.Check.
type Result[V any] struct {
	State State
	Value V
	Err   error
}

// Capabilities describes the optional operations a future supports.
type Capabilities struct {
	DoneQuery bool
	Cancel    bool
}

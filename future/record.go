package future

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/store"
)

// Status discriminates a completed outcome.
type Status string

const (
	// StatusSuccess means the task returned a value.
	StatusSuccess Status = "success"

	// StatusFailed means the task returned an error or panicked.
	StatusFailed Status = "failed"
)

// Outcome is what a worker records for a finished task.
type Outcome struct {
	Status      Status          `json:"status"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       *errors.Error   `json:"error,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	Worker      string          `json:"worker,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Success builds a success outcome from a JSON-serializable value.
func Success(value any) (*Outcome, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "result is not serializable")
	}
	return &Outcome{Status: StatusSuccess, Value: raw, CompletedAt: time.Now().UTC()}, nil
}

// Failure builds a failed outcome.
func Failure(err *errors.Error) *Outcome {
	return &Outcome{Status: StatusFailed, Error: err, CompletedAt: time.Now().UTC()}
}

// Failed reports whether the task did not produce a value.
func (o *Outcome) Failed() bool {
	return o.Status != StatusSuccess
}

// Err returns the recorded failure, or nil for a success.
func (o *Outcome) Err() error {
	if !o.Failed() {
		return nil
	}
	if o.Error == nil {
		return errors.New(errors.ErrCodeTaskFailed, "task failed without an error")
	}
	return o.Error
}

// Decode unmarshals a success value into v.
func (o *Outcome) Decode(v any) error {
	if o.Failed() {
		return o.Err()
	}
	if len(o.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(o.Value, v); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode task result")
	}
	return nil
}

// Record is the persisted state of one submitted task.
type Record struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`

	// Outcome is nil while the task is pending.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Key returns the record's store key.
func (r *Record) Key() store.Key {
	return store.Key{Parent: r.ParentID, ID: r.ID}
}

// Completed reports whether an outcome has been recorded.
func (r *Record) Completed() bool {
	return r.Outcome != nil
}

func (r *Record) entity() (store.Entity, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return store.Entity{}, errors.WrapWithCode(err, errors.ErrCodeInternal, "encode future record")
	}
	return store.Entity{Key: r.Key(), Data: data, Done: r.Completed()}, nil
}

func fromEntity(e *store.Entity) (*Record, error) {
	var r Record
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode future record",
			errors.WithFutureID(e.Key.ID), errors.WithParentID(e.Key.Parent))
	}
	return &r, nil
}

// unreadable stands in for a record whose body failed to decode. It is
// completed with the decode failure so it can be consumed.
func unreadable(e *store.Entity, err error) *Record {
	ce := errors.As(err)
	if ce == nil {
		ce = errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode future record")
	}
	return &Record{
		ID:       e.Key.ID,
		ParentID: e.Key.Parent,
		Outcome:  Failure(ce),
	}
}

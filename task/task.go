// Package task defines serializable units of work and the closed registry
// that maps a kind tag to a concrete task type.
//
// Tasks cross a process boundary, so a task is data: a kind tag plus a JSON
// body. Both the submitting and the executing process must register the
// same kinds; a kind missing on either side is an UNKNOWN_KIND error rather
// than a silent mis-decode.
//
//	reg := task.NewRegistry()
//	reg.MustRegister("sum-range", func() task.Task { return &SumRange{} })
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/vinayprograms/completionkit/errors"
)

// Task is a unit of work that can be shipped to a remote worker.
// Exported fields are serialized as JSON.
type Task interface {
	// Kind returns the registry tag for this task type.
	Kind() string

	// Call runs the task. The returned value must be JSON-serializable.
	Call(ctx context.Context) (any, error)
}

// Factory returns a new zero task, normally a pointer, to decode into.
type Factory func() Task

// Registry is a closed set of task kinds. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Factory)}
}

// Register adds a task kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || len(kind) > 255 {
		return errors.New(errors.ErrCodeInvalidInput, "task kind must be 1-255 bytes")
	}
	if kind == ResultKind {
		return errors.Newf(errors.ErrCodeInvalidInput, "task kind %q is reserved", kind)
	}
	if f == nil {
		return errors.Newf(errors.ErrCodeInvalidInput, "nil factory for kind %q", kind)
	}
	if got := f(); got == nil || got.Kind() != kind {
		return errors.Newf(errors.ErrCodeInvalidInput, "factory for kind %q builds a different kind", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return errors.Newf(errors.ErrCodeInvalidInput, "task kind %q already registered", kind)
	}
	r.kinds[kind] = f
	return nil
}

// MustRegister is Register that panics on error. For package init.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Encode serializes a task to its kind tag and JSON body. A nil task, or a
// nil pointer inside a non-nil Task, is a SUBMISSION error.
func (r *Registry) Encode(t Task) (string, []byte, error) {
	if isNil(t) {
		return "", nil, errors.New(errors.ErrCodeSubmission, "nil task")
	}
	if w, ok := t.(*withResult); ok {
		return r.encodeWithResult(w)
	}
	kind := t.Kind()
	if !r.Has(kind) {
		return "", nil, errors.Newf(errors.ErrCodeUnknownKind, "task kind %q is not registered", kind)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return "", nil, errors.WrapWithCode(err, errors.ErrCodeSubmission,
			fmt.Sprintf("serialize %s task", kind))
	}
	return kind, body, nil
}

// Decode rebuilds a task from its kind tag and JSON body.
func (r *Registry) Decode(kind string, body []byte) (Task, error) {
	if kind == ResultKind {
		return r.decodeWithResult(body)
	}

	r.mu.RLock()
	f, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownKind, "task kind %q is not registered", kind)
	}

	if string(body) == "null" {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "decode %s task: null body", kind)
	}
	t := f()
	if err := json.Unmarshal(body, t); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput,
			fmt.Sprintf("decode %s task", kind))
	}
	return t, nil
}

func isNil(t Task) bool {
	if t == nil {
		return true
	}
	v := reflect.ValueOf(t)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

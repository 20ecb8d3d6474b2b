package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/completionkit/errors"
)

// ResultKind tags a task built by WithResult. It is handled by every
// Registry and cannot be registered.
const ResultKind = "task.with-result"

// WithResult wraps a side-effect task so that a successful run completes
// with result instead of whatever the task itself returns. The result must
// be JSON-serializable; it is encoded alongside the task at submission.
func WithResult(t Task, result any) Task {
	return &withResult{inner: t, result: result}
}

type withResult struct {
	inner  Task
	result any
	raw    json.RawMessage
}

type withResultBody struct {
	Kind   string          `json:"kind"`
	Task   json.RawMessage `json:"task"`
	Result json.RawMessage `json:"result"`
}

func (w *withResult) Kind() string { return ResultKind }

// Call runs the wrapped task and discards its value.
func (w *withResult) Call(ctx context.Context) (any, error) {
	if _, err := w.inner.Call(ctx); err != nil {
		return nil, err
	}
	if w.raw != nil {
		return w.raw, nil
	}
	return w.result, nil
}

func (r *Registry) encodeWithResult(w *withResult) (string, []byte, error) {
	kind, inner, err := r.Encode(w.inner)
	if err != nil {
		return "", nil, err
	}
	res, err := json.Marshal(w.result)
	if err != nil {
		return "", nil, errors.WrapWithCode(err, errors.ErrCodeSubmission,
			fmt.Sprintf("serialize result for %s task", kind))
	}
	body, err := json.Marshal(withResultBody{Kind: kind, Task: inner, Result: res})
	if err != nil {
		return "", nil, errors.WrapWithCode(err, errors.ErrCodeSubmission, "serialize wrapped task")
	}
	return ResultKind, body, nil
}

func (r *Registry) decodeWithResult(body []byte) (Task, error) {
	var b withResultBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode wrapped task")
	}
	if b.Result == nil {
		b.Result = json.RawMessage("null")
	}
	inner, err := r.Decode(b.Kind, b.Task)
	if err != nil {
		return nil, err
	}
	return &withResult{inner: inner, raw: b.Result}, nil
}

// Package errors provides the structured error taxonomy used across
// completionkit.
//
// Every failure that can reach a caller of the completion service carries a
// code and a category. The code says what went wrong, the category says what
// to do about it:
//
//   - Transient: retrying later may succeed (store briefly unreachable, commit conflict)
//   - Permanent: retrying will not help (oversized envelope, unknown task kind)
//   - Resource: capacity or quota pressure
//   - Internal: bugs, panics, corrupted records
//
// # Codes used by the completion protocol
//
//   - SUBMISSION: the task could not be turned into an envelope
//   - PAYLOAD_TOO_LARGE: the envelope exceeds the dispatcher ceiling
//   - DISPATCH: the dispatcher rejected the envelope
//   - STORE_UNAVAILABLE: a store transaction failed while polling
//   - TASK_FAILED: the task ran remotely and returned an error
//   - UNSUPPORTED: the operation is not offered by this future
//
// # Usage
//
//	err := errors.New(errors.ErrCodePayloadTooLarge, "envelope is 12034 bytes",
//	    errors.WithFutureID(id))
//
//	if errors.Is(err, errors.ErrCodeStoreUnavailable) {
//	    // back off and poll again
//	}
//
// Errors round-trip through JSON, which is how a remote task failure travels
// inside a future record back to the submitting process.
package errors

package core

import (
	"github.com/pkg/errors"
)

// Error kinds surfaced by the core. All of these except the pool invariant
// violations are recovered per-request: the engine finalizes the affected
// group and keeps serving.
var (
	// ErrPromptTooLong means a prompt exceeds the model context length.
	// The group never runs; it is finalized with finish reason "length".
	ErrPromptTooLong = errors.New("prompt exceeds max model length")

	// ErrOutOfMemory means a pool has no free blocks left.
	ErrOutOfMemory = errors.New("block pool out of memory")

	// ErrResourceExhausted means neither the GPU nor the CPU pool can hold a
	// preemption victim. The victim is finalized with finish reason "aborted".
	ErrResourceExhausted = errors.New("gpu and cpu pools exhausted")

	// ErrAborted means the client explicitly aborted the request.
	ErrAborted = errors.New("request aborted")

	// ErrEngineClosed means the engine loop has shut down and no longer
	// accepts requests.
	ErrEngineClosed = errors.New("engine closed")
)

// ModelError wraps a failure from the model collaborator (forward or sample).
// Fatal to the current step only: every sequence in the step is finalized
// "aborted" and the engine continues serving the remaining queues.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string { return "model: " + e.Err.Error() }
func (e *ModelError) Unwrap() error { return e.Err }

// poolViolation reports a block pool invariant violation: releasing a block
// whose refcount is already zero, or an allocation failing after a successful
// probe. Both indicate pool corruption, so the process must not keep serving
// on top of a corrupt cache.
func poolViolation(format string, args ...any) {
	panic(errors.Errorf("pool invariant violation: "+format, args...))
}

package models

import "errors"

// Error taxonomy shared by storage, service and handler. Wrap with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrValidation marks a malformed or logically invalid request. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing scheduled deletion or post.
	ErrNotFound = errors.New("not found")
	// ErrDuplicatePending is returned when the post already has an active scheduled deletion.
	ErrDuplicatePending = errors.New("post already has a pending scheduled deletion")
	// ErrAlreadyExecuting is returned when a request is held by an executor.
	ErrAlreadyExecuting = errors.New("scheduled deletion is already executing")
	// ErrConflict marks a lost compare-and-swap: another actor moved the request first.
	ErrConflict = errors.New("concurrent state transition")
	// ErrRetryableExternal marks a failure of the external store that may succeed later.
	ErrRetryableExternal = errors.New("external store temporarily unavailable")
	// ErrFatalExternal marks a permanent rejection by the external store.
	ErrFatalExternal = errors.New("external store rejected the deletion")
)

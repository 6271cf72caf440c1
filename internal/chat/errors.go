package chat

import "errors"

// Sentinel errors for the chat core. Store adapters and coordinators wrap
// these with fmt.Errorf("%w: ...") so callers classify with errors.Is.
var (
	// ErrValidation covers user-correctable input problems (empty body,
	// oversized body). Not retryable.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when a user attempts to edit or delete
	// a message they did not author. Not retryable.
	ErrUnauthorized = errors.New("not authorized")

	// ErrNotFound is returned when a chat or message does not exist or
	// has been deleted.
	ErrNotFound = errors.New("not found")

	// ErrPersistence covers transient store failures. Retryable with
	// bounded backoff.
	ErrPersistence = errors.New("persistence failure")

	// ErrSubscription covers transport-level subscription failures.
	// Recovered by resubscription, never surfaced to the user directly.
	ErrSubscription = errors.New("subscription failure")

	// ErrEditInFlight is returned when an edit is attempted on a message
	// that already has an unresolved edit in flight.
	ErrEditInFlight = errors.New("edit already in flight")
)

// Retryable reports whether the error is transient and worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// Package sentinel holds the error taxonomy shared by the store, the engine
// and the transport layer. Errors are wrapped around these values and
// compared with errors.Is.
package sentinel

import "errors"

var (
	// ErrBadRequest marks input the caller must fix. Never retried.
	ErrBadRequest = errors.New("bad request")

	// ErrConstraintViolation marks a write that would break a uniqueness or
	// non-null rule of the store.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrTransactionAborted marks a serialization conflict with a concurrent
	// transaction. The whole transaction may be retried.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrStoreUnavailable marks connectivity loss or a timeout talking to the store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound marks a missing contact.
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation marks a logic fault: a state or plan that breaks
	// the cluster invariants.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConflict is returned once transaction conflicts outlast the retry budget.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable is returned once store outages outlast the retry budget.
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal wraps fatal faults before they cross the service boundary.
	ErrInternal = errors.New("internal error")
)

// IsRetryable reports whether err belongs to a class the engine retries.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConstraintViolation)
}

package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a task, crawler, submit or domain id that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInconsistentState reports a row in a state its own lifecycle forbids,
	// typically left behind by a crashed worker.
	ErrInconsistentState = errors.New("inconsistent state")
	// ErrInvalidTransition reports a forbidden status edge.
	ErrInvalidTransition = fmt.Errorf("%w: invalid transition", ErrInconsistentState)
	// ErrNotClaimed reports a claim that lost its race to another caller.
	ErrNotClaimed = errors.New("claim not acquired")
	// ErrInvalidInput reports caller-supplied data that cannot be stored.
	ErrInvalidInput = errors.New("invalid input")
)

// IsPersistence reports whether err is a storage failure rather than one of the
// soft conditions above.
func IsPersistence(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInconsistentState) &&
		!errors.Is(err, ErrNotClaimed) &&
		!errors.Is(err, ErrInvalidInput)
}

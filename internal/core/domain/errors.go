package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. Surfaces to the caller immediately.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateTransfer is returned when a conversation already holds a non-terminal transfer request.
	ErrDuplicateTransfer = fmt.Errorf("%w: conversation already has an open transfer request", ErrValidation)

	// ErrCapacityExhausted means no eligible agent had a free slot at commit time.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrConflict means the caller lost a concurrent race or acted on stale state.
	ErrConflict = errors.New("conflict: resource was modified by another request")

	// ErrIllegalTransition is a conflict raised by the assignment state machine.
	ErrIllegalTransition = fmt.Errorf("%w: illegal state transition", ErrConflict)

	ErrNotFound = errors.New("not found")

	// ErrUpstreamDegraded annotates results built without a collaborator. Never blocks a hand-off.
	ErrUpstreamDegraded = errors.New("upstream degraded")

	ErrQueueEmpty = errors.New("transfer queue is empty")
)

// Validationf builds an ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether an error is a transient routing failure that a caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrCapacityExhausted)
}

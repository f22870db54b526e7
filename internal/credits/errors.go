package credits

import (
	"context"
	"errors"
	"fmt"
)

// Ledger errors shared by stores, services and transports.
var (
	// ErrNotFound indicates the user has no credit record yet.
	ErrNotFound = errors.New("credits: record not found")
	// ErrAlreadyInitialized indicates initialize was called for an existing record.
	ErrAlreadyInitialized = errors.New("credits: already initialized")
	// ErrValidation indicates rejected caller input.
	ErrValidation = errors.New("credits: invalid request")
	// ErrStorageUnavailable indicates a transient storage failure.
	ErrStorageUnavailable = errors.New("credits: storage unavailable")
	// ErrNoChange is returned by a mutation to leave the record untouched.
	ErrNoChange = errors.New("credits: no change")
	// ErrInvalidTransition indicates a job state change the queue does not allow.
	ErrInvalidTransition = errors.New("credits: invalid job transition")
)

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unavailable wraps a driver error as a transient storage failure.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// IsPermanent reports whether retrying err cannot change the outcome.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNoChange),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}

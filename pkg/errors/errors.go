// Package errors defines the error kinds shared by services and the HTTP layer.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: the call or external call id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a unique key already exists.
	ErrConflict = errors.New("conflict")
	// ErrValidation: the request is malformed and must not be retried as is.
	ErrValidation = errors.New("validation error")
	// ErrUnavailable: a required backing store is not configured or unreachable.
	ErrUnavailable = errors.New("service unavailable")
	// ErrUnauthorized: the callback secret is missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")
)

// Invalid returns a validation error carrying a client-facing reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

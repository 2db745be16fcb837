package session

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every layer wraps one of these so callers can branch
// with errors.Is.
var (
	ErrNotFound         = errors.New("session not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrValidation       = errors.New("validation failed")
)

// Wire codes for the sentinels, used by the HTTP store service.
const (
	CodeNotFound         = "not_found"
	CodeUnauthorized     = "unauthorized"
	CodeConcurrencyLimit = "concurrency_limit"
	CodeStoreUnavailable = "store_unavailable"
	CodeValidation       = "validation"
	CodeInternal         = "internal"
)

// OpError records the manager operation and session an error came from.
type OpError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *OpError) Error() string {
	if e.SessionID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.SessionID + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unavailable wraps err as ErrStoreUnavailable, keeping err in the chain.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Code maps err to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrConcurrencyLimit):
		return CodeConcurrencyLimit
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	}
	return CodeInternal
}

// FromCode is the inverse of Code. Unknown codes map to ErrStoreUnavailable.
func FromCode(code string) error {
	switch code {
	case CodeNotFound:
		return ErrNotFound
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeConcurrencyLimit:
		return ErrConcurrencyLimit
	case CodeValidation:
		return ErrValidation
	}
	return ErrStoreUnavailable
}

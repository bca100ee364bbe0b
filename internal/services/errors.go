package services

import (
	"errors"
	"fmt"
)

// Sentinel errors for ledger outcomes. Handlers map these onto HTTP statuses;
// anything else that escapes a service is treated as an infrastructure
// failure (retryable, 500).
var (
	ErrNotFound                = errors.New("not_found")
	ErrInsufficientBalance     = errors.New("insufficient_balance")
	ErrLimitExceeded           = errors.New("limit_exceeded")
	ErrDuplicateIdempotencyKey = errors.New("duplicate_idempotency_key")
	ErrInvalidState            = errors.New("invalid_state")
	ErrAlreadyReversed         = errors.New("already_reversed")
	ErrForbidden               = errors.New("forbidden")
	ErrImmutable               = errors.New("ledger_entries_are_immutable")
	ErrEmailTaken              = errors.New("email_taken")
	ErrInvalidCredentials      = errors.New("invalid_credentials")
)

// ValidationError reports caller mistakes detected before any unit of work
// opens. It carries a human-readable message for the response body.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a caller mistake rather than a ledger
// or infrastructure failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

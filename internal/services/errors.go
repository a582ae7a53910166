package services

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrExchangeMismatch    = errors.New("exchange mismatch")
	ErrUnsupportedExchange = errors.New("unsupported exchange")
)

// IdentityError is returned by the orchestration entry points when the
// caller asked about a user or exchange that cannot be resolved. Provider
// failures never surface as IdentityError.
type IdentityError struct {
	UserID   string
	Exchange string
	Err      error
}

func (e *IdentityError) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("user %s (exchange %s): %v", e.UserID, e.Exchange, e.Err)
	}
	return fmt.Sprintf("user %s: %v", e.UserID, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

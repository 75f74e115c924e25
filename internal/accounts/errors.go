package accounts

import (
	"errors"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
)

var (
	ErrValidation         = errors.New("accounts: validation failed")
	ErrDuplicateEmail     = errors.New("accounts: email already registered")
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	ErrFederatedOnly      = errors.New("accounts: account signs in through google")
	ErrProviderConflict   = errors.New("accounts: email is linked to a different provider identity")
	ErrInvalidToken       = errors.New("accounts: invalid session token")
	ErrExpiredToken       = errors.New("accounts: session token expired")
	ErrAccountNotFound    = errors.New("accounts: account not found")
	ErrConfig             = errors.New("accounts: invalid service configuration")

	// ErrProvider is shared with the identity provider client so both layers report upstream
	// failures the same way.
	ErrProvider = auth.ErrProvider

	// ErrUniqueViolation is returned by stores when a write hits the email or provider id
	// uniqueness constraint.
	ErrUniqueViolation = errors.New("accounts: unique constraint violation")
)

// ValidationError is a user-fixable input problem whose message is safe to show verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(message string) error {
	return &ValidationError{Message: message}
}

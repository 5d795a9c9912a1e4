// Package user provides account identity records for the auth core.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/platform/id"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeUserEmptyEmail, "email is required")
	// ErrInvalidEmail indicates an email that does not match the required format.
	ErrInvalidEmail = apperrors.New(apperrors.CodeUserInvalidEmail, "email must be a plausible address")

	// Intentionally loose: the mailbox is an identity key here, not a
	// deliverable address, so only gross malformations are rejected.
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// User represents an authenticated identity record.
//
// Email is the human-facing identity key and is unique and immutable once
// created. Handle is the stable byte identifier handed to authenticators.
type User struct {
	ID        string
	Email     string
	Handle    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateEmail enforces the canonical email constraints used as account keys.
func ValidateEmail(s string) error {
	if !emailPattern.MatchString(s) {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeEmail trims and lowercases an email before validation.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmptyEmail
	}
	if err := ValidateEmail(email); err != nil {
		return "", err
	}
	return email, nil
}

// New creates a durable user identity for a normalized email.
//
// The authenticator user handle is derived from the generated ID so the same
// account maps to the same handle across enrolled devices.
func New(email string, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Email:     normalized,
		Handle:    []byte(userID),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// Package storage defines the persistence contracts for the auth core.
//
// Implementations must keep per-record operations atomic: EnrollCredential and
// UpdateSignCount decide duplicate and rollback outcomes under the same
// synchronization that persists them.
package storage

import (
	"context"
	"time"

	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/user"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrDuplicateCredential indicates the credential id is already enrolled.
	ErrDuplicateCredential = apperrors.New(apperrors.CodeDuplicateCredential, "credential id already enrolled")
	// ErrCounterRollback indicates a sign counter that did not advance, a
	// possible cloned-authenticator signal.
	ErrCounterRollback = apperrors.New(apperrors.CodeCounterRollback, "sign counter did not advance")
	// ErrUnavailable indicates the backing store failed; callers may retry.
	ErrUnavailable = apperrors.New(apperrors.CodeStoreUnavailable, "store unavailable")
)

// UserStore persists account identity records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// Credential stores an enrolled public-key credential for a user.
//
// SignCount is the authoritative counter; the serialized credential may lag
// behind it and is reconciled when loaded for verification.
type Credential struct {
	CredentialID   string // base64url encoding of the raw credential id
	UserID         string
	Label          string
	SignCount      uint32
	CredentialJSON string // serialized webauthn.Credential
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// CredentialStore persists enrolled credentials, keyed by credential id and
// listable per user.
type CredentialStore interface {
	// EnrollCredential stores a new credential.
	// Returns ErrDuplicateCredential when the credential id already exists.
	EnrollCredential(ctx context.Context, credential Credential) error
	// GetCredential returns the credential or ErrNotFound.
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	// ListCredentialsByUser returns a user's credentials ordered by creation time.
	ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error)
	// UpdateSignCount advances the sign counter and records last use.
	// Returns ErrCounterRollback when newCount <= the stored counter and
	// ErrNotFound when the credential does not exist. The comparison and the
	// write happen atomically.
	UpdateSignCount(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error
	// DeleteCredential removes a credential.
	DeleteCredential(ctx context.Context, credentialID string) error
}

// Challenge stores a pending ceremony challenge.
//
// Key identifies the single live slot (user + purpose); issuing a new
// challenge for the same key replaces any prior unconsumed record.
type Challenge struct {
	Key         string
	Purpose     string
	UserID      string
	Value       string // base64url challenge value presented to the client
	SessionJSON string // serialized ceremony session state
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// ChallengeStore persists pending challenges. Lifecycle decisions (expiry,
// mismatch, at-most-once consumption) belong to the challenge registry, which
// serializes access per key.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, challenge Challenge) error
	GetChallenge(ctx context.Context, key string) (Challenge, error)
	// MarkChallengeConsumed flips the consumed flag for a live challenge.
	// Returns ErrNotFound when no record exists for the key.
	MarkChallengeConsumed(ctx context.Context, key string, consumedAt time.Time) error
	DeleteChallenge(ctx context.Context, key string) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

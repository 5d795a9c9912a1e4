// Package challenge issues and consumes one-time ceremony challenges.
//
// The registry owns the anti-replay guarantee: each key holds at most one
// live challenge, and a stored challenge can be consumed at most once. Expiry
// is enforced lazily at consume time; an optional sweep removes dead records.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/storage"
)

// Purpose describes which ceremony a challenge belongs to.
type Purpose string

const (
	PurposeRegistration   Purpose = "registration"
	PurposeAuthentication Purpose = "authentication"
)

var (
	// ErrNotFound indicates no live challenge exists for the key.
	ErrNotFound = apperrors.New(apperrors.CodeChallengeNotFound, "no live challenge for key")
	// ErrExpired indicates the challenge outlived its TTL before consumption.
	ErrExpired = apperrors.New(apperrors.CodeChallengeExpired, "challenge is expired")
	// ErrMismatch indicates the presented value differs from the stored one.
	ErrMismatch = apperrors.New(apperrors.CodeChallengeMismatch, "challenge value mismatch")
	// ErrAlreadyUsed indicates a replayed consumption attempt.
	ErrAlreadyUsed = apperrors.New(apperrors.CodeChallengeAlreadyUsed, "challenge already consumed")
)

// challengeBytes is the size of self-generated challenge values. The WebAuthn
// layer generates 32-byte challenges as well; 16 is the protocol minimum.
const challengeBytes = 32

// DefaultTTL bounds how long an unconsumed challenge stays usable.
const DefaultTTL = 5 * time.Minute

// Registry tracks pending challenges keyed by user and purpose.
//
// Issue and Consume serialize on an internal mutex so two concurrent
// verification attempts cannot double-consume the same challenge.
type Registry struct {
	store storage.ChallengeStore
	ttl   time.Duration
	clock func() time.Time
	rand  io.Reader

	mu sync.Mutex
}

// NewRegistry creates a registry over the given challenge store.
// A non-positive ttl falls back to DefaultTTL.
func NewRegistry(store storage.ChallengeStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		store: store,
		ttl:   ttl,
		clock: time.Now,
		rand:  rand.Reader,
	}
}

// Key derives the single-slot registry key for a user and purpose.
func Key(userID string, purpose Purpose) string {
	return userID + "/" + string(purpose)
}

// Issued describes a freshly stored challenge.
type Issued struct {
	Value     string
	ExpiresAt time.Time
}

// Issue stores a challenge for the key, replacing any prior unconsumed
// challenge in the same slot.
//
// When value is empty the registry generates a 32-byte value from its CSPRNG;
// ceremonies pass the value minted by the WebAuthn layer so the client sees
// the same bytes the registry tracks. sessionJSON carries opaque ceremony
// state returned on successful consumption.
func (r *Registry) Issue(ctx context.Context, userID string, purpose Purpose, value string, sessionJSON string) (Issued, error) {
	if r == nil || r.store == nil {
		return Issued{}, fmt.Errorf("challenge store is not configured")
	}
	if userID == "" {
		return Issued{}, fmt.Errorf("user id is required")
	}

	if value == "" {
		generated, err := r.generateValue()
		if err != nil {
			return Issued{}, fmt.Errorf("generate challenge: %w", err)
		}
		value = generated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	record := storage.Challenge{
		Key:         Key(userID, purpose),
		Purpose:     string(purpose),
		UserID:      userID,
		Value:       value,
		SessionJSON: sessionJSON,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}
	if err := r.store.PutChallenge(ctx, record); err != nil {
		return Issued{}, fmt.Errorf("store challenge: %w", err)
	}
	return Issued{Value: value, ExpiresAt: record.ExpiresAt}, nil
}

// Consume validates and retires the challenge stored for the key.
//
// Exactly one call can succeed per issued challenge. Failures follow the
// fixed check order: missing slot, expiry, value mismatch, prior consumption.
// A mismatch or expiry does not retire the slot, so the legitimate response
// for a still-live challenge remains verifiable.
func (r *Registry) Consume(ctx context.Context, userID string, purpose Purpose, presented string) (storage.Challenge, error) {
	if r == nil || r.store == nil {
		return storage.Challenge{}, fmt.Errorf("challenge store is not configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(userID, purpose)
	record, err := r.store.GetChallenge(ctx, key)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return storage.Challenge{}, ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("load challenge: %w", err)
	}

	now := r.clock().UTC()
	if now.After(record.ExpiresAt) {
		return storage.Challenge{}, ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(record.Value), []byte(presented)) != 1 {
		return storage.Challenge{}, ErrMismatch
	}
	if record.Consumed {
		return storage.Challenge{}, ErrAlreadyUsed
	}

	if err := r.store.MarkChallengeConsumed(ctx, key, now); err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	record.Consumed = true
	return record, nil
}

// Sweep deletes expired challenges. Expiry is already enforced lazily at
// consume time; sweeping only reclaims storage.
func (r *Registry) Sweep(ctx context.Context) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("challenge store is not configured")
	}
	return r.store.DeleteExpiredChallenges(ctx, r.clock().UTC())
}

func (r *Registry) generateValue() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

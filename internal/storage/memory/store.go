// Package memory provides a mutex-guarded in-memory storage implementation.
//
// It backs tests and single-process deployments; the SQLite store is the
// durable alternative.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latchkey/latchkey/internal/storage"
	"github.com/latchkey/latchkey/internal/user"
)

// Store keeps all auth records in process memory.
type Store struct {
	mu           sync.Mutex
	users        map[string]user.User
	usersByEmail map[string]string
	credentials  map[string]storage.Credential
	challenges   map[string]storage.Challenge
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:        make(map[string]user.User),
		usersByEmail: make(map[string]string),
		credentials:  make(map[string]storage.Credential),
		challenges:   make(map[string]storage.Challenge),
	}
}

func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.usersByEmail[strings.ToLower(u.Email)] = u.ID
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return found, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return s.users[userID], nil
}

func (s *Store) EnrollCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[credential.CredentialID]; ok {
		return storage.ErrDuplicateCredential
	}
	s.credentials[credential.CredentialID] = credential
	return nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credentials := make([]storage.Credential, 0)
	for _, credential := range s.credentials {
		if credential.UserID == userID {
			credentials = append(credentials, credential)
		}
	}
	sort.Slice(credentials, func(i, j int) bool {
		if credentials[i].CreatedAt.Equal(credentials[j].CreatedAt) {
			return credentials[i].CredentialID < credentials[j].CredentialID
		}
		return credentials[i].CreatedAt.Before(credentials[j].CreatedAt)
	})
	return credentials, nil
}

func (s *Store) UpdateSignCount(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if newCount <= credential.SignCount {
		return storage.ErrCounterRollback
	}
	credential.SignCount = newCount
	credential.UpdatedAt = usedAt
	credential.LastUsedAt = &usedAt
	s.credentials[credentialID] = credential
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, credentialID)
	return nil
}

func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challenge.Key] = challenge
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, key string) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[key]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	return challenge, nil
}

func (s *Store) MarkChallengeConsumed(ctx context.Context, key string, consumedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[key]
	if !ok {
		return storage.ErrNotFound
	}
	challenge.Consumed = true
	s.challenges[key] = challenge
	return nil
}

func (s *Store) DeleteChallenge(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, key)
	return nil
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, challenge := range s.challenges {
		if !challenge.ExpiresAt.After(now) {
			delete(s.challenges, key)
		}
	}
	return nil
}

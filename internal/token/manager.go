// Package token issues and validates the HS256 session token pair.
//
// Access tokens carry authenticated requests; refresh tokens mint new access
// tokens without a fresh WebAuthn ceremony. Refresh tokens are not rotated,
// so a stolen refresh token stays usable until its expiry. Revocation is an
// in-process jti denylist; it does not survive a restart.
package token

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/platform/id"
)

// Token type discriminator carried in the token_type claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrExpired indicates the token's exp is in the past.
	ErrExpired = apperrors.New(apperrors.CodeTokenExpired, "token is expired")
	// ErrMalformed indicates the token could not be parsed.
	ErrMalformed = apperrors.New(apperrors.CodeTokenMalformed, "token is malformed")
	// ErrSignatureInvalid indicates the HMAC does not verify.
	ErrSignatureInvalid = apperrors.New(apperrors.CodeSignatureInvalid, "token signature is invalid")
	// ErrWrongType indicates a token presented for the other token type's use.
	ErrWrongType = apperrors.New(apperrors.CodeWrongTokenType, "wrong token type")
	// ErrRevoked indicates the token's jti is on the denylist.
	ErrRevoked = apperrors.New(apperrors.CodeTokenRevoked, "token is revoked")
)

// signedClaims is the internal claims type used for JWT parsing.
type signedClaims struct {
	jwt.RegisteredClaims
	CredentialID string `json:"credential_id,omitempty"`
	TokenType    string `json:"token_type"`
}

// Claims captures the validated contents of a session token.
type Claims struct {
	UserID       string
	CredentialID string
	TokenType    string
	JWTID        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Issued is a single freshly issued token.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Manager signs and validates session tokens.
type Manager struct {
	secret      []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	clock       func() time.Time
	idGenerator func() (string, error)

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewManager creates a token manager from config.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretBytes)
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 120 * time.Hour
	}
	return &Manager{
		secret:      cfg.Secret,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		clock:       time.Now,
		idGenerator: id.NewID,
		revoked:     make(map[string]time.Time),
	}, nil
}

// AccessTTL reports how long issued access tokens live.
func (m *Manager) AccessTTL() time.Duration { return m.accessTTL }

// RefreshTTL reports how long issued refresh tokens live.
func (m *Manager) RefreshTTL() time.Duration { return m.refreshTTL }

// IssuePair mints an access and a refresh token for an authenticated user.
func (m *Manager) IssuePair(userID, credentialID string) (Pair, error) {
	if m == nil || len(m.secret) == 0 {
		return Pair{}, fmt.Errorf("token manager is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return Pair{}, fmt.Errorf("user id is required")
	}

	access, err := m.sign(userID, credentialID, TypeAccess, m.accessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := m.sign(userID, credentialID, TypeRefresh, m.refreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return Pair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// ValidateAccess verifies an access token and returns its claims.
func (m *Manager) ValidateAccess(token string) (Claims, error) {
	return m.validate(token, TypeAccess)
}

// ValidateRefresh verifies a refresh token and returns its claims.
func (m *Manager) ValidateRefresh(token string) (Claims, error) {
	return m.validate(token, TypeRefresh)
}

// Refresh mints a new access token from a valid refresh token. The refresh
// token itself is not rotated and stays valid until its own expiry.
func (m *Manager) Refresh(refreshToken string) (Issued, error) {
	claims, err := m.validate(refreshToken, TypeRefresh)
	if err != nil {
		return Issued{}, err
	}
	issued, err := m.sign(claims.UserID, claims.CredentialID, TypeAccess, m.accessTTL)
	if err != nil {
		return Issued{}, fmt.Errorf("sign access token: %w", err)
	}
	return issued, nil
}

// Revoke records a token's jti on the denylist until the token's natural
// expiry. The signature must verify; expiry and prior revocation do not
// matter, revoking twice is a no-op.
func (m *Manager) Revoke(token string) error {
	if m == nil || len(m.secret) == 0 {
		return fmt.Errorf("token manager is not configured")
	}
	parsed, err := m.parse(token)
	if err != nil {
		return err
	}
	if parsed.ID == "" || parsed.ExpiresAt == nil {
		return ErrMalformed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.revoked[parsed.ID] = parsed.ExpiresAt.Time.UTC()
	return nil
}

func (m *Manager) sign(userID, credentialID, tokenType string, ttl time.Duration) (Issued, error) {
	jti, err := m.idGenerator()
	if err != nil {
		return Issued{}, fmt.Errorf("generate jti: %w", err)
	}
	now := m.clock().UTC()
	expiresAt := now.Add(ttl)
	claims := signedClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		CredentialID: credentialID,
		TokenType:    tokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: signed, ExpiresAt: expiresAt}, nil
}

func (m *Manager) validate(token, wantType string) (Claims, error) {
	if m == nil || len(m.secret) == 0 {
		return Claims{}, fmt.Errorf("token manager is not configured")
	}
	parsed, err := m.parse(token)
	if err != nil {
		return Claims{}, err
	}
	if parsed.Subject == "" || parsed.ID == "" || parsed.ExpiresAt == nil {
		return Claims{}, ErrMalformed
	}
	if parsed.TokenType != wantType {
		return Claims{}, ErrWrongType
	}

	now := m.clock().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, ErrExpired
	}
	if m.isRevoked(parsed.ID) {
		return Claims{}, ErrRevoked
	}

	claims := Claims{
		UserID:       parsed.Subject,
		CredentialID: parsed.CredentialID,
		TokenType:    parsed.TokenType,
		JWTID:        parsed.ID,
		ExpiresAt:    exp,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// parse verifies the signature and decodes claims. Temporal checks happen in
// validate against the manager's clock, so parsing skips claim validation.
func (m *Manager) parse(token string) (signedClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return signedClaims{}, ErrMalformed
	}
	var parsed signedClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return signedClaims{}, mapJWTError(err)
	}
	return parsed, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrSignatureInvalid) {
		return ErrSignatureInvalid
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return ErrMalformed
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return ErrMalformed
	}
	return ErrMalformed
}

func (m *Manager) isRevoked(jti string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.revoked[jti]
	if !ok {
		return false
	}
	if !expiry.After(m.clock().UTC()) {
		delete(m.revoked, jti)
		return false
	}
	return true
}

// pruneLocked drops denylist entries for tokens past their natural expiry.
// Callers must hold mu.
func (m *Manager) pruneLocked() {
	now := m.clock().UTC()
	for jti, expiry := range m.revoked {
		if !expiry.After(now) {
			delete(m.revoked, jti)
		}
	}
}

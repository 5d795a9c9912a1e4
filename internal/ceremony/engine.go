// Package ceremony drives WebAuthn registration and authentication.
//
// The engine owns ceremony ordering: relying party checks run before the
// challenge is consumed, and any verification failure after consumption
// leaves the challenge spent. A rejected ceremony never rolls back to a
// retryable state.
package ceremony

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/latchkey/latchkey/internal/challenge"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/platform/id"
	"github.com/latchkey/latchkey/internal/storage"
	"github.com/latchkey/latchkey/internal/user"
)

var (
	// ErrOriginMismatch indicates the client data origin is not an allowed origin.
	ErrOriginMismatch = apperrors.New(apperrors.CodeOriginMismatch, "client origin is not allowed")
	// ErrRpIDMismatch indicates the authenticator signed for a different relying party.
	ErrRpIDMismatch = apperrors.New(apperrors.CodeRpIDMismatch, "relying party id hash mismatch")
	// ErrInvalidSignature indicates the credential response failed verification.
	ErrInvalidSignature = apperrors.New(apperrors.CodeInvalidSignature, "credential verification failed")
	// ErrUnknownCredential indicates an assertion for a credential the user never enrolled.
	ErrUnknownCredential = apperrors.New(apperrors.CodeUnknownCredential, "credential is not enrolled for user")
	// ErrNoCredentials indicates the account has nothing to authenticate with.
	ErrNoCredentials = apperrors.New(apperrors.CodeNoCredentials, "no enrolled credentials")
)

// passkeyProvider is the subset of webauthn.WebAuthn the engine uses; tests
// substitute a fake so ceremonies run without real authenticator responses.
type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultPasskeyParser struct{}

func (defaultPasskeyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultPasskeyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Result identifies the account and credential a finished ceremony bound.
type Result struct {
	User         user.User
	CredentialID string
}

// Engine runs registration and authentication ceremonies against the
// configured relying party.
type Engine struct {
	provider    passkeyProvider
	parser      passkeyParser
	users       storage.UserStore
	credentials storage.CredentialStore
	challenges  *challenge.Registry

	rpOrigins []string
	rpIDHash  []byte

	clock       func() time.Time
	idGenerator func() (string, error)
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewEngine creates a ceremony engine for the relying party described by cfg.
func NewEngine(cfg Config, users storage.UserStore, credentials storage.CredentialStore, challenges *challenge.Registry, logger *slog.Logger) (*Engine, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if challenges == nil {
		return nil, fmt.Errorf("challenge registry is required")
	}
	if strings.TrimSpace(cfg.RPID) == "" {
		return nil, fmt.Errorf("relying party id is required")
	}
	if len(cfg.RPOrigins) == 0 {
		return nil, fmt.Errorf("at least one relying party origin is required")
	}

	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	rpIDHash := sha256.Sum256([]byte(cfg.RPID))
	return &Engine{
		provider:    webAuthn,
		parser:      defaultPasskeyParser{},
		users:       users,
		credentials: credentials,
		challenges:  challenges,
		rpOrigins:   cfg.RPOrigins,
		rpIDHash:    rpIDHash[:],
		clock:       time.Now,
		idGenerator: id.NewID,
		logger:      logger,
		tracer:      otel.Tracer("latchkey/ceremony"),
	}, nil
}

// BeginRegistration starts credential enrollment for an email, creating the
// account on first contact. It returns credential creation options for the
// client and parks the ceremony state in the challenge registry.
func (e *Engine) BeginRegistration(ctx context.Context, email string) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.BeginRegistration")
	defer span.End()

	account, err := e.lookupOrCreateUser(ctx, email)
	if err != nil {
		return nil, err
	}
	ceremonyUser, err := e.loadCeremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}

	var opts []webauthn.RegistrationOption
	if len(ceremonyUser.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(ceremonyUser.credentials).CredentialDescriptors()))
	}
	creation, session, err := e.provider.BeginRegistration(ceremonyUser, opts...)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	if err := e.parkSession(ctx, account.ID, challenge.PurposeRegistration, session); err != nil {
		return nil, err
	}
	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		return nil, fmt.Errorf("encode registration options: %w", err)
	}
	return optionsJSON, nil
}

// FinishRegistration verifies a credential creation response and enrolls the
// credential. The challenge is consumed before attestation verification, so a
// failed verification still spends it.
func (e *Engine) FinishRegistration(ctx context.Context, email string, responseJSON []byte, label string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.FinishRegistration")
	defer span.End()

	account, err := e.lookupUser(ctx, email)
	if err != nil {
		return Result{}, err
	}
	parsed, err := e.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		e.logger.Info("registration response rejected", "reason", "unparseable", "user_id", account.ID)
		return Result{}, ErrInvalidSignature
	}

	if !e.allowedOrigin(parsed.Response.CollectedClientData.Origin) {
		return Result{}, ErrOriginMismatch
	}
	if !bytes.Equal(parsed.Response.AttestationObject.AuthData.RPIDHash, e.rpIDHash) {
		return Result{}, ErrRpIDMismatch
	}

	record, err := e.challenges.Consume(ctx, account.ID, challenge.PurposeRegistration, parsed.Response.CollectedClientData.Challenge)
	if err != nil {
		return Result{}, err
	}
	session, err := unparkSession(record.SessionJSON)
	if err != nil {
		return Result{}, err
	}

	ceremonyUser, err := e.loadCeremonyUser(ctx, account)
	if err != nil {
		return Result{}, err
	}
	credential, err := e.provider.CreateCredential(ceremonyUser, session, parsed)
	if err != nil {
		e.logger.Info("registration response rejected", "reason", "attestation", "user_id", account.ID, "error", err)
		return Result{}, ErrInvalidSignature
	}

	credentialID := encodeCredentialID(credential.ID)
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return Result{}, fmt.Errorf("encode credential: %w", err)
	}
	now := e.clock().UTC()
	err = e.credentials.EnrollCredential(ctx, storage.Credential{
		CredentialID:   credentialID,
		UserID:         account.ID,
		Label:          strings.TrimSpace(label),
		SignCount:      credential.Authenticator.SignCount,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{User: account, CredentialID: credentialID}, nil
}

// BeginLogin starts an authentication ceremony. Accounts without enrolled
// credentials fail with ErrNoCredentials; the boundary flattens that to a
// generic failure so login probes cannot enumerate accounts.
func (e *Engine) BeginLogin(ctx context.Context, email string) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.BeginLogin")
	defer span.End()

	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	account, err := e.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	ceremonyUser, err := e.loadCeremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}
	if len(ceremonyUser.credentials) == 0 {
		return nil, ErrNoCredentials
	}

	assertion, session, err := e.provider.BeginLogin(ceremonyUser)
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	if err := e.parkSession(ctx, account.ID, challenge.PurposeAuthentication, session); err != nil {
		return nil, err
	}
	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return nil, fmt.Errorf("encode login options: %w", err)
	}
	return optionsJSON, nil
}

// FinishLogin verifies an assertion response and returns the authenticated
// account. A sign counter that fails to advance is treated as a cloned
// authenticator signal and fails the ceremony.
func (e *Engine) FinishLogin(ctx context.Context, email string, responseJSON []byte) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.FinishLogin")
	defer span.End()

	account, err := e.lookupUser(ctx, email)
	if err != nil {
		return Result{}, err
	}
	parsed, err := e.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		e.logger.Info("login response rejected", "reason", "unparseable", "user_id", account.ID)
		return Result{}, ErrInvalidSignature
	}

	credentialID := encodeCredentialID(parsed.RawID)
	stored, err := e.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("login with unknown credential", "user_id", account.ID, "credential_id", credentialID)
			return Result{}, ErrUnknownCredential
		}
		return Result{}, fmt.Errorf("load credential: %w", err)
	}
	if stored.UserID != account.ID {
		e.logger.Warn("login with another account's credential", "user_id", account.ID, "credential_id", credentialID)
		return Result{}, ErrUnknownCredential
	}

	if !e.allowedOrigin(parsed.Response.CollectedClientData.Origin) {
		return Result{}, ErrOriginMismatch
	}
	if !bytes.Equal(parsed.Response.AuthenticatorData.RPIDHash, e.rpIDHash) {
		return Result{}, ErrRpIDMismatch
	}

	record, err := e.challenges.Consume(ctx, account.ID, challenge.PurposeAuthentication, parsed.Response.CollectedClientData.Challenge)
	if err != nil {
		return Result{}, err
	}
	session, err := unparkSession(record.SessionJSON)
	if err != nil {
		return Result{}, err
	}

	ceremonyUser, err := e.loadCeremonyUser(ctx, account)
	if err != nil {
		return Result{}, err
	}
	validated, err := e.provider.ValidateLogin(ceremonyUser, session, parsed)
	if err != nil {
		e.logger.Info("login response rejected", "reason", "assertion", "user_id", account.ID, "error", err)
		return Result{}, ErrInvalidSignature
	}

	newCount := validated.Authenticator.SignCount
	if !(stored.SignCount == 0 && newCount == 0) {
		err := e.credentials.UpdateSignCount(ctx, credentialID, newCount, e.clock().UTC())
		if errors.Is(err, storage.ErrCounterRollback) {
			e.logger.Warn("sign counter did not advance",
				"user_id", account.ID,
				"credential_id", credentialID,
				"stored_count", stored.SignCount,
				"reported_count", newCount,
			)
			return Result{}, err
		}
		if err != nil {
			return Result{}, fmt.Errorf("update sign count: %w", err)
		}
	}
	return Result{User: account, CredentialID: credentialID}, nil
}

// lookupUser resolves an account for a finish ceremony. A missing account
// means no ceremony was begun, which is indistinguishable from a missing
// challenge.
func (e *Engine) lookupUser(ctx context.Context, email string) (user.User, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return user.User{}, err
	}
	account, err := e.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, challenge.ErrNotFound
		}
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	return account, nil
}

// lookupOrCreateUser resolves or creates the account for a registration.
func (e *Engine) lookupOrCreateUser(ctx context.Context, email string) (user.User, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return user.User{}, err
	}
	account, err := e.users.GetUserByEmail(ctx, normalized)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}

	account, err = user.New(normalized, e.clock, e.idGenerator)
	if err != nil {
		return user.User{}, err
	}
	if err := e.users.PutUser(ctx, account); err != nil {
		return user.User{}, fmt.Errorf("create user: %w", err)
	}
	e.logger.Info("account created", "user_id", account.ID)
	return account, nil
}

// parkSession stores ceremony state in the challenge registry keyed by the
// challenge the client must echo back.
func (e *Engine) parkSession(ctx context.Context, userID string, purpose challenge.Purpose, session *webauthn.SessionData) error {
	if session == nil {
		return fmt.Errorf("session data is required")
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if _, err := e.challenges.Issue(ctx, userID, purpose, session.Challenge, string(sessionJSON)); err != nil {
		return err
	}
	return nil
}

func unparkSession(sessionJSON string) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(sessionJSON), &session); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (e *Engine) allowedOrigin(origin string) bool {
	for _, allowed := range e.rpOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ceremonyUser adapts an account and its stored credentials to webauthn.User.
type ceremonyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return u.user.Handle
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// loadCeremonyUser decodes the user's stored credentials, reconciling each
// serialized sign counter with the authoritative stored column.
func (e *Engine) loadCeremonyUser(ctx context.Context, account user.User) (*ceremonyUser, error) {
	records, err := e.credentials.ListCredentialsByUser(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credential.Authenticator.SignCount = record.SignCount
		credentials = append(credentials, credential)
	}
	return &ceremonyUser{user: account, credentials: credentials}, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

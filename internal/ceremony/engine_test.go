package ceremony

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/latchkey/latchkey/internal/challenge"
	"github.com/latchkey/latchkey/internal/storage"
	"github.com/latchkey/latchkey/internal/storage/memory"
	"github.com/latchkey/latchkey/internal/user"
)

const (
	testRPID      = "example.com"
	testOrigin    = "https://example.com"
	testChallenge = "dGVzdC1jaGFsbGVuZ2UtdmFsdWU"
)

type fakeProvider struct {
	beginRegistration func(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	createCredential  func(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	beginLogin        func(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	validateLogin     func(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

func (f *fakeProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return f.beginRegistration(user, opts...)
}

func (f *fakeProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return f.createCredential(user, session, response)
}

func (f *fakeProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return f.beginLogin(user, opts...)
}

func (f *fakeProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	return f.validateLogin(user, session, response)
}

type fakeParser struct {
	creation  *protocol.ParsedCredentialCreationData
	assertion *protocol.ParsedCredentialAssertionData
	err       error
}

func (f *fakeParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return f.creation, f.err
}

func (f *fakeParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return f.assertion, f.err
}

type engineFixture struct {
	engine   *Engine
	store    *memory.Store
	registry *challenge.Registry
	provider *fakeProvider
	parser   *fakeParser
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := memory.New()
	registry := challenge.NewRegistry(store, 5*time.Minute)

	engine, err := NewEngine(Config{
		RPDisplayName: "Latchkey",
		RPID:          testRPID,
		RPOrigins:     []string{testOrigin},
	}, store, store, registry, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	provider := &fakeProvider{
		beginRegistration: func(webauthn.User, ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
			return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: testChallenge}, nil
		},
		beginLogin: func(webauthn.User, ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
			return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: testChallenge}, nil
		},
	}
	parser := &fakeParser{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	engine.provider = provider
	engine.parser = parser
	engine.clock = func() time.Time { return now }

	return &engineFixture{engine: engine, store: store, registry: registry, provider: provider, parser: parser, now: now}
}

func rpIDHash() []byte {
	sum := sha256.Sum256([]byte(testRPID))
	return sum[:]
}

func creationResponse(origin, challengeValue string, hash []byte) *protocol.ParsedCredentialCreationData {
	parsed := &protocol.ParsedCredentialCreationData{}
	parsed.RawID = protocol.URLEncodedBase64("raw-credential-id")
	parsed.Response.CollectedClientData.Origin = origin
	parsed.Response.CollectedClientData.Challenge = challengeValue
	parsed.Response.AttestationObject.AuthData.RPIDHash = hash
	return parsed
}

func assertionResponse(origin, challengeValue string, hash, rawID []byte) *protocol.ParsedCredentialAssertionData {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = rawID
	parsed.Response.CollectedClientData.Origin = origin
	parsed.Response.CollectedClientData.Challenge = challengeValue
	parsed.Response.AuthenticatorData.RPIDHash = hash
	return parsed
}

func (f *engineFixture) enroll(t *testing.T, email string, rawID []byte, signCount uint32) (user.User, string) {
	t.Helper()
	ctx := context.Background()
	account, err := f.engine.lookupOrCreateUser(ctx, email)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	credential := webauthn.Credential{ID: rawID}
	credential.Authenticator.SignCount = signCount
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		t.Fatalf("encode credential: %v", err)
	}
	credentialID := base64.RawURLEncoding.EncodeToString(rawID)
	err = f.store.EnrollCredential(ctx, storage.Credential{
		CredentialID:   credentialID,
		UserID:         account.ID,
		SignCount:      signCount,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	})
	if err != nil {
		t.Fatalf("enroll credential: %v", err)
	}
	return account, credentialID
}

func TestBeginRegistrationCreatesAccountAndParksChallenge(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	optionsJSON, err := fixture.engine.BeginRegistration(ctx, "Alice@Example.com")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if len(optionsJSON) == 0 {
		t.Fatal("expected options payload")
	}

	account, err := fixture.store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("expected account created: %v", err)
	}
	parked, err := fixture.store.GetChallenge(ctx, challenge.Key(account.ID, challenge.PurposeRegistration))
	if err != nil {
		t.Fatalf("expected challenge parked: %v", err)
	}
	if parked.Value != testChallenge {
		t.Fatalf("expected registry to track the minted challenge, got %q", parked.Value)
	}
}

func TestBeginRegistrationRejectsInvalidEmail(t *testing.T) {
	fixture := newEngineFixture(t)
	if _, err := fixture.engine.BeginRegistration(context.Background(), "not-an-email"); !errors.Is(err, user.ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestFinishRegistrationEnrollsCredential(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	if _, err := fixture.engine.BeginRegistration(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	fixture.parser.creation = creationResponse(testOrigin, testChallenge, rpIDHash())
	fixture.provider.createCredential = func(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
		credential := &webauthn.Credential{ID: []byte("raw-credential-id")}
		credential.Authenticator.SignCount = 0
		return credential, nil
	}

	result, err := fixture.engine.FinishRegistration(ctx, "alice@example.com", []byte(`{}`), "laptop")
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if result.User.Email != "alice@example.com" {
		t.Fatalf("unexpected account: %+v", result.User)
	}
	wantID := base64.RawURLEncoding.EncodeToString([]byte("raw-credential-id"))
	if result.CredentialID != wantID {
		t.Fatalf("expected credential id %q, got %q", wantID, result.CredentialID)
	}

	stored, err := fixture.store.GetCredential(ctx, wantID)
	if err != nil {
		t.Fatalf("expected credential enrolled: %v", err)
	}
	if stored.Label != "laptop" {
		t.Fatalf("expected label kept, got %q", stored.Label)
	}
}

func TestFinishRegistrationOriginMismatchKeepsChallenge(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	if _, err := fixture.engine.BeginRegistration(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	fixture.parser.creation = creationResponse("https://evil.example", testChallenge, rpIDHash())

	if _, err := fixture.engine.FinishRegistration(ctx, "alice@example.com", []byte(`{}`), ""); !errors.Is(err, ErrOriginMismatch) {
		t.Fatalf("expected ErrOriginMismatch, got %v", err)
	}

	// Relying party checks run before the challenge is spent.
	account, _ := fixture.store.GetUserByEmail(ctx, "alice@example.com")
	parked, err := fixture.store.GetChallenge(ctx, challenge.Key(account.ID, challenge.PurposeRegistration))
	if err != nil || parked.Consumed {
		t.Fatalf("expected challenge still live, got consumed=%v err=%v", parked.Consumed, err)
	}
}

func TestFinishRegistrationRpIDMismatch(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	if _, err := fixture.engine.BeginRegistration(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	wrongHash := sha256.Sum256([]byte("other.example"))
	fixture.parser.creation = creationResponse(testOrigin, testChallenge, wrongHash[:])

	if _, err := fixture.engine.FinishRegistration(ctx, "alice@example.com", []byte(`{}`), ""); !errors.Is(err, ErrRpIDMismatch) {
		t.Fatalf("expected ErrRpIDMismatch, got %v", err)
	}
}

func TestFinishRegistrationBadAttestationSpendsChallenge(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	if _, err := fixture.engine.BeginRegistration(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	fixture.parser.creation = creationResponse(testOrigin, testChallenge, rpIDHash())
	fixture.provider.createCredential = func(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
		return nil, errors.New("attestation verification failed")
	}

	if _, err := fixture.engine.FinishRegistration(ctx, "alice@example.com", []byte(`{}`), ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// The failed attempt spent the challenge; a retry needs a new ceremony.
	if _, err := fixture.engine.FinishRegistration(ctx, "alice@example.com", []byte(`{}`), ""); !errors.Is(err, challenge.ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed on retry, got %v", err)
	}
}

func TestFinishRegistrationUnknownAccount(t *testing.T) {
	fixture := newEngineFixture(t)
	fixture.parser.creation = creationResponse(testOrigin, testChallenge, rpIDHash())

	if _, err := fixture.engine.FinishRegistration(context.Background(), "ghost@example.com", []byte(`{}`), ""); !errors.Is(err, challenge.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBeginLoginWithoutCredentials(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()

	if _, err := fixture.engine.BeginLogin(ctx, "ghost@example.com"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials for unknown account, got %v", err)
	}

	if _, err := fixture.engine.lookupOrCreateUser(ctx, "empty@example.com"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := fixture.engine.BeginLogin(ctx, "empty@example.com"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials for empty account, got %v", err)
	}
}

func TestFinishLoginAdvancesCounter(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	rawID := []byte("raw-credential-id")
	_, credentialID := fixture.enroll(t, "alice@example.com", rawID, 5)

	if _, err := fixture.engine.BeginLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin login: %v", err)
	}
	fixture.parser.assertion = assertionResponse(testOrigin, testChallenge, rpIDHash(), rawID)
	fixture.provider.validateLogin = func(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
		credential := &webauthn.Credential{ID: rawID}
		credential.Authenticator.SignCount = 6
		return credential, nil
	}

	result, err := fixture.engine.FinishLogin(ctx, "alice@example.com", []byte(`{}`))
	if err != nil {
		t.Fatalf("finish login: %v", err)
	}
	if result.CredentialID != credentialID {
		t.Fatalf("unexpected credential id %q", result.CredentialID)
	}

	stored, err := fixture.store.GetCredential(ctx, credentialID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.SignCount != 6 {
		t.Fatalf("expected counter advanced to 6, got %d", stored.SignCount)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("expected last used recorded")
	}
}

func TestFinishLoginCounterRollback(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	rawID := []byte("raw-credential-id")
	_, credentialID := fixture.enroll(t, "alice@example.com", rawID, 5)

	if _, err := fixture.engine.BeginLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin login: %v", err)
	}
	fixture.parser.assertion = assertionResponse(testOrigin, testChallenge, rpIDHash(), rawID)
	fixture.provider.validateLogin = func(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
		credential := &webauthn.Credential{ID: rawID}
		credential.Authenticator.SignCount = 5
		return credential, nil
	}

	if _, err := fixture.engine.FinishLogin(ctx, "alice@example.com", []byte(`{}`)); !errors.Is(err, storage.ErrCounterRollback) {
		t.Fatalf("expected ErrCounterRollback, got %v", err)
	}

	stored, err := fixture.store.GetCredential(ctx, credentialID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.SignCount != 5 {
		t.Fatalf("expected counter unchanged, got %d", stored.SignCount)
	}
}

func TestFinishLoginCounterlessAuthenticator(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	rawID := []byte("raw-credential-id")
	_, credentialID := fixture.enroll(t, "alice@example.com", rawID, 0)

	if _, err := fixture.engine.BeginLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin login: %v", err)
	}
	fixture.parser.assertion = assertionResponse(testOrigin, testChallenge, rpIDHash(), rawID)
	fixture.provider.validateLogin = func(webauthn.User, webauthn.SessionData, *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
		return &webauthn.Credential{ID: rawID}, nil
	}

	if _, err := fixture.engine.FinishLogin(ctx, "alice@example.com", []byte(`{}`)); err != nil {
		t.Fatalf("finish login: %v", err)
	}
	stored, err := fixture.store.GetCredential(ctx, credentialID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.SignCount != 0 {
		t.Fatalf("expected counter untouched, got %d", stored.SignCount)
	}
}

func TestFinishLoginUnknownCredential(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	fixture.enroll(t, "alice@example.com", []byte("raw-credential-id"), 5)

	if _, err := fixture.engine.BeginLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin login: %v", err)
	}
	fixture.parser.assertion = assertionResponse(testOrigin, testChallenge, rpIDHash(), []byte("forged-credential-id"))

	if _, err := fixture.engine.FinishLogin(ctx, "alice@example.com", []byte(`{}`)); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

func TestFinishLoginRejectsOtherAccountsCredential(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	bobRawID := []byte("bob-credential-id")
	fixture.enroll(t, "alice@example.com", []byte("alice-credential-id"), 5)
	fixture.enroll(t, "bob@example.com", bobRawID, 5)

	if _, err := fixture.engine.BeginLogin(ctx, "alice@example.com"); err != nil {
		t.Fatalf("begin login: %v", err)
	}
	fixture.parser.assertion = assertionResponse(testOrigin, testChallenge, rpIDHash(), bobRawID)

	if _, err := fixture.engine.FinishLogin(ctx, "alice@example.com", []byte(`{}`)); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

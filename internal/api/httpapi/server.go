// Package httpapi exposes the WebAuthn ceremonies and session lifecycle over
// HTTP. Ceremony failures are flattened to generic JSON bodies; the precise
// error codes go to logs only, so responses cannot be used to probe which
// accounts or credentials exist.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/latchkey/latchkey/internal/ceremony"
	apperrors "github.com/latchkey/latchkey/internal/platform/errors"
	"github.com/latchkey/latchkey/internal/token"
)

// maxBodyBytes bounds credential response payloads.
const maxBodyBytes = 1 << 20

// Server routes authentication requests to the ceremony engine and token
// manager.
type Server struct {
	engine *ceremony.Engine
	tokens *token.Manager
	logger *slog.Logger
}

// NewServer creates the HTTP boundary for the auth service.
func NewServer(engine *ceremony.Engine, tokens *token.Manager, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("ceremony engine is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, tokens: tokens, logger: logger}, nil
}

// RegisterRoutes attaches all handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webauthn/register/options", s.handleRegisterOptions)
	mux.HandleFunc("/webauthn/register/verify", s.handleRegisterVerify)
	mux.HandleFunc("/webauthn/login/options", s.handleLoginOptions)
	mux.HandleFunc("/webauthn/login/verify", s.handleLoginVerify)
	mux.HandleFunc("/auth/refresh", s.handleRefresh)
	mux.HandleFunc("/auth/logout", s.handleLogout)
	mux.HandleFunc("/auth/session", s.handleSession)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

type verifyRequest struct {
	Email    string          `json:"email"`
	Label    string          `json:"label,omitempty"`
	Response json.RawMessage `json:"response"`
}

type identityResponse struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	CredentialID string `json:"credential_id"`
}

type sessionResponse struct {
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
}

type refreshResponse struct {
	ExpiresAt int64 `json:"expires_at"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (s *Server) handleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	optionsJSON, err := s.engine.BeginRegistration(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		s.ceremonyError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, optionsJSON)
}

func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	request, ok := s.decodeVerifyRequest(w, r)
	if !ok {
		return
	}
	result, err := s.engine.FinishRegistration(r.Context(), request.Email, request.Response, request.Label)
	if err != nil {
		s.ceremonyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identityResponse{
		UserID:       result.User.ID,
		Email:        result.User.Email,
		CredentialID: result.CredentialID,
	})
}

func (s *Server) handleLoginOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	optionsJSON, err := s.engine.BeginLogin(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		s.ceremonyError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, optionsJSON)
}

func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	request, ok := s.decodeVerifyRequest(w, r)
	if !ok {
		return
	}
	result, err := s.engine.FinishLogin(r.Context(), request.Email, request.Response)
	if err != nil {
		s.ceremonyError(w, r, err)
		return
	}

	pair, err := s.tokens.IssuePair(result.User.ID, result.CredentialID)
	if err != nil {
		s.logger.Error("issue session tokens", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeAuthCookie(w, r, AccessCookieName, pair.AccessToken, s.tokens.AccessTTL())
	writeAuthCookie(w, r, RefreshCookieName, pair.RefreshToken, s.tokens.RefreshTTL())
	writeJSON(w, http.StatusOK, identityResponse{
		UserID:       result.User.ID,
		Email:        result.User.Email,
		CredentialID: result.CredentialID,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	refreshToken, ok := readCookie(r, RefreshCookieName)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	issued, err := s.tokens.Refresh(refreshToken)
	if err != nil {
		s.tokenError(w, r, err)
		return
	}
	writeAuthCookie(w, r, AccessCookieName, issued.Token, s.tokens.AccessTTL())
	writeJSON(w, http.StatusOK, refreshResponse{ExpiresAt: issued.ExpiresAt.Unix()})
}

// handleLogout revokes whatever tokens the client still holds and clears the
// cookies. It succeeds even with no or invalid tokens, logout is idempotent.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		if value, ok := readCookie(r, name); ok {
			if err := s.tokens.Revoke(value); err != nil {
				s.logger.Info("revoke on logout", "cookie", name, "code", apperrors.GetCode(err))
			}
		}
	}
	clearAuthCookies(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accessToken, ok := readCookie(r, AccessCookieName)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	claims, err := s.tokens.ValidateAccess(accessToken)
	if err != nil {
		s.tokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:       claims.UserID,
		CredentialID: claims.CredentialID,
		ExpiresAt:    claims.ExpiresAt.Unix(),
	})
}

func (s *Server) decodeVerifyRequest(w http.ResponseWriter, r *http.Request) (verifyRequest, bool) {
	var request verifyRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return verifyRequest{}, false
	}
	if len(request.Response) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "credential response is required")
		return verifyRequest{}, false
	}
	return request, true
}

// ceremonyError flattens ceremony failures. Malformed emails are the caller's
// mistake and come back as 400; everything else is a uniform 401 regardless
// of whether the account, credential, or challenge was the problem.
func (s *Server) ceremonyError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	s.logRequestFailure(r, code, err)
	switch code {
	case apperrors.CodeUserEmptyEmail, apperrors.CodeUserInvalidEmail:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
	case apperrors.CodeStoreUnavailable:
		writeJSONError(w, http.StatusServiceUnavailable, "server_error", "")
	case apperrors.CodeUnknown:
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
	default:
		writeJSONError(w, http.StatusUnauthorized, "authentication_failed", "")
	}
}

func (s *Server) tokenError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	s.logRequestFailure(r, code, err)
	if code == apperrors.CodeUnknown {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSONError(w, http.StatusUnauthorized, "invalid_token", "")
}

func (s *Server) logRequestFailure(r *http.Request, code apperrors.Code, err error) {
	if code.SecurityRelevant() {
		s.logger.Warn("request rejected", "path", r.URL.Path, "code", code, "error", err)
		return
	}
	s.logger.Info("request failed", "path", r.URL.Path, "code", code)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

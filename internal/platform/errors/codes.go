// Package errors provides structured error handling for the auth core.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Challenge errors (replay/protocol failures)
	CodeChallengeNotFound    Code = "CHALLENGE_NOT_FOUND"
	CodeChallengeExpired     Code = "CHALLENGE_EXPIRED"
	CodeChallengeMismatch    Code = "CHALLENGE_MISMATCH"
	CodeChallengeAlreadyUsed Code = "CHALLENGE_ALREADY_USED"

	// Trust and integrity errors
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeOriginMismatch      Code = "ORIGIN_MISMATCH"
	CodeRpIDMismatch        Code = "RP_ID_MISMATCH"
	CodeUnknownCredential   Code = "UNKNOWN_CREDENTIAL"
	CodeDuplicateCredential Code = "DUPLICATE_CREDENTIAL"
	CodeCounterRollback     Code = "COUNTER_ROLLBACK"
	CodeNoCredentials       Code = "NO_CREDENTIALS"

	// Session token errors
	CodeTokenExpired     Code = "TOKEN_EXPIRED"
	CodeTokenMalformed   Code = "TOKEN_MALFORMED"
	CodeSignatureInvalid Code = "SIGNATURE_INVALID"
	CodeWrongTokenType   Code = "WRONG_TOKEN_TYPE"
	CodeTokenRevoked     Code = "TOKEN_REVOKED"

	// User errors
	CodeUserEmptyEmail   Code = "USER_EMPTY_EMAIL"
	CodeUserInvalidEmail Code = "USER_INVALID_EMAIL"

	// Storage errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
//
// The boundary layer deliberately collapses ceremony failures into a generic
// response body; this mapping only chooses the status line and drives logging.
func (c Code) HTTPStatus() int {
	switch c {
	// Unauthorized - the ceremony or session proof failed
	case CodeChallengeNotFound,
		CodeChallengeExpired,
		CodeChallengeMismatch,
		CodeChallengeAlreadyUsed,
		CodeInvalidSignature,
		CodeOriginMismatch,
		CodeRpIDMismatch,
		CodeUnknownCredential,
		CodeCounterRollback,
		CodeTokenExpired,
		CodeTokenMalformed,
		CodeSignatureInvalid,
		CodeWrongTokenType,
		CodeTokenRevoked:
		return http.StatusUnauthorized

	// BadRequest - validation failures, bad input
	case CodeUserEmptyEmail,
		CodeUserInvalidEmail:
		return http.StatusBadRequest

	// Conflict - unique resource constraint
	case CodeDuplicateCredential:
		return http.StatusConflict

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeNoCredentials:
		return http.StatusNotFound

	// ServiceUnavailable - backing store failure, safe to retry with backoff
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// SecurityRelevant reports whether an error code should be logged as a
// security event rather than a plain request failure.
func (c Code) SecurityRelevant() bool {
	switch c {
	case CodeChallengeAlreadyUsed,
		CodeChallengeMismatch,
		CodeInvalidSignature,
		CodeOriginMismatch,
		CodeRpIDMismatch,
		CodeCounterRollback,
		CodeSignatureInvalid:
		return true
	default:
		return false
	}
}

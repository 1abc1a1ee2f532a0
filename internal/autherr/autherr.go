// Package autherr defines the coarse error kinds returned across the auth core boundary.
// Errors carry only a Kind; provider responses, key material and other diagnostics are
// written to the audit log and never attached to the returned error.
package autherr

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind is a coarse authentication/authorization failure category.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindInvalidState       Kind = "invalid_state"
	KindExpiredAttempt     Kind = "expired_attempt"
	KindSignatureMismatch  Kind = "signature_mismatch"
	KindUntrustedIssuer    Kind = "untrusted_issuer"
	KindClaimsMapping      Kind = "claims_mapping_error"
	KindExpiredSession     Kind = "expired_session"
	KindRevokedSession     Kind = "revoked_session"
	KindReplayDetected     Kind = "replay_detected"
	KindRateLimited        Kind = "rate_limited"
	KindInternal           Kind = "internal_error"
)

// Error is an auth failure of a single Kind.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string { return string(e.Kind) }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinel errors, one per Kind. Compare with errors.Is.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrExpiredAttempt     = &Error{Kind: KindExpiredAttempt}
	ErrSignatureMismatch  = &Error{Kind: KindSignatureMismatch}
	ErrUntrustedIssuer    = &Error{Kind: KindUntrustedIssuer}
	ErrClaimsMapping      = &Error{Kind: KindClaimsMapping}
	ErrExpiredSession     = &Error{Kind: KindExpiredSession}
	ErrRevokedSession     = &Error{Kind: KindRevokedSession}
	ErrReplayDetected     = &Error{Kind: KindReplayDetected}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrInternal           = &Error{Kind: KindInternal}
)

// KindOf returns the Kind of err, or KindInternal for any error that is not an *Error.
// Returns "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the HTTP status code presented to callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInternal:
		return http.StatusInternalServerError
	case KindInvalidState, KindExpiredAttempt, KindClaimsMapping:
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}

// GRPCCode maps err to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch KindOf(err) {
	case "":
		return codes.OK
	case KindRateLimited:
		return codes.ResourceExhausted
	case KindInternal:
		return codes.Internal
	default:
		return codes.Unauthenticated
	}
}

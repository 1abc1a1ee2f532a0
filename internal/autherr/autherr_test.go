package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestIsMatchesByKind(t *testing.T) {
	wrapped := fmt.Errorf("refresh: %w", &Error{Kind: KindReplayDetected})
	if !errors.Is(wrapped, ErrReplayDetected) {
		t.Fatal("wrapped replay error does not match ErrReplayDetected")
	}
	if errors.Is(wrapped, ErrRevokedSession) {
		t.Fatal("replay error matches ErrRevokedSession")
	}
	if got := ErrClaimsMapping.Error(); got != "claims_mapping_error" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{ErrExpiredSession, KindExpiredSession},
		{fmt.Errorf("x: %w", ErrRateLimited), KindRateLimited},
		{errors.New("connection refused"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err      error
		httpCode int
		grpcCode codes.Code
	}{
		{nil, http.StatusOK, codes.OK},
		{ErrInvalidCredentials, http.StatusUnauthorized, codes.Unauthenticated},
		{ErrSignatureMismatch, http.StatusUnauthorized, codes.Unauthenticated},
		{ErrInvalidState, http.StatusBadRequest, codes.Unauthenticated},
		{ErrExpiredAttempt, http.StatusBadRequest, codes.Unauthenticated},
		{ErrRateLimited, http.StatusTooManyRequests, codes.ResourceExhausted},
		{errors.New("db down"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.httpCode {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.httpCode)
		}
		if got := GRPCCode(tt.err); got != tt.grpcCode {
			t.Errorf("GRPCCode(%v) = %v, want %v", tt.err, got, tt.grpcCode)
		}
	}
}

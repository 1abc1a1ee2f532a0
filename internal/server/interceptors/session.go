package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"dineops/backend/internal/autherr"
	"dineops/backend/internal/authz"
	sessiondomain "dineops/backend/internal/session/domain"
)

const sessionPrefix = "session "

// fingerprintHeader carries the optional device fingerprint the session was bound to.
const fingerprintHeader = "x-device-fingerprint"

// SessionValidator validates an opaque session token and slides its expiry.
type SessionValidator interface {
	Validate(ctx context.Context, token, fingerprint string) (*sessiondomain.View, error)
}

// SessionUnary returns a unary server interceptor that validates the session token in the
// "authorization: Session <token>" metadata and places the session view in context
// (read it with authz.SessionFrom). publicMethods skip validation entirely.
func SessionUnary(sessions SessionValidator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		token := extractSession(ctx)
		if token == "" {
			return nil, status.Error(autherr.GRPCCode(autherr.ErrInvalidCredentials), string(autherr.KindInvalidCredentials))
		}
		view, err := sessions.Validate(ctx, token, firstValue(ctx, fingerprintHeader))
		if err != nil {
			return nil, status.Error(autherr.GRPCCode(err), string(autherr.KindOf(err)))
		}
		return handler(authz.WithSession(ctx, view), req)
	}
}

// extractSession returns the session token from ctx metadata, or "" if missing or malformed.
func extractSession(ctx context.Context) string {
	v := strings.TrimSpace(firstValue(ctx, "authorization"))
	if len(v) < len(sessionPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(sessionPrefix)], sessionPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(sessionPrefix):])
}

func firstValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

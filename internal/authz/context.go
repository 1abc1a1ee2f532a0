package authz

import (
	"context"

	sessiondomain "dineops/backend/internal/session/domain"
)

type contextKey struct{ name string }

var sessionKey = contextKey{"session"}

// WithSession returns a context carrying the validated session view.
func WithSession(ctx context.Context, view *sessiondomain.View) context.Context {
	return context.WithValue(ctx, sessionKey, view)
}

// SessionFrom returns the session view set by WithSession and true, or nil, false.
func SessionFrom(ctx context.Context) (*sessiondomain.View, bool) {
	v, ok := ctx.Value(sessionKey).(*sessiondomain.View)
	return v, ok && v != nil
}

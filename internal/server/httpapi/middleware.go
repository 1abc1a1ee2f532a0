package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dineops/backend/internal/audit"
	"dineops/backend/internal/autherr"
	"dineops/backend/internal/authz"
)

// RequireSession validates the session (sliding its expiry) and stores the view in the
// request context for authz.SessionFrom.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.sessionToken(r)
		if token == "" {
			writeError(w, autherr.ErrInvalidCredentials)
			return
		}
		view, err := h.sessions.Validate(r.Context(), token, r.Header.Get(FingerprintHeader))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(authz.WithSession(r.Context(), view)))
	})
}

// RequirePermission denies the request unless the session in context may perform action
// on resource in the tenant named by the {tenantID} route parameter.
func (h *Handler) RequirePermission(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := h.guard.CheckContext(r.Context(), chi.URLParam(r, "tenantID"), resource, action)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			switch autherr.KindOf(d.Err) {
			case autherr.KindRateLimited, autherr.KindInternal:
				writeError(w, d.Err)
			default:
				writeJSON(w, http.StatusForbidden, errorBody{Error: d.Reason})
			}
		})
	}
}

func (h *Handler) rateLimitLogin(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(h.clientIP(r)) {
			writeError(w, autherr.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sourceAddr stores the resolved client address for audit events recorded during the request.
func (h *Handler) sourceAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(audit.WithSourceAddr(r.Context(), h.clientIP(r))))
	})
}

// clientIP is the socket peer unless it is a trusted proxy.
func (h *Handler) clientIP(r *http.Request) string {
	return h.cfg.ClientIP.Request(r)
}

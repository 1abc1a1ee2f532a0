// Package httpapi is the browser-facing HTTP surface of the auth core.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	auditdomain "dineops/backend/internal/audit/domain"
	"dineops/backend/internal/autherr"
	"dineops/backend/internal/authz"
	"dineops/backend/internal/clientip"
	"dineops/backend/internal/health"
	identitydomain "dineops/backend/internal/identity/domain"
	identityservice "dineops/backend/internal/identity/service"
	"dineops/backend/internal/logger"
	sessiondomain "dineops/backend/internal/session/domain"
	sessionservice "dineops/backend/internal/session/service"
)

// FingerprintHeader carries the optional device fingerprint a session is bound to.
const FingerprintHeader = "X-Device-Fingerprint"

const maxBodyBytes = 16 << 10

// Broker runs the OIDC login flow.
type Broker interface {
	StartLogin(ctx context.Context, req identityservice.LoginRequest) (*identityservice.LoginRedirect, error)
	CompleteLogin(ctx context.Context, cb identityservice.Callback) (*identitydomain.ExternalIdentity, error)
}

// Sessions is the session lifecycle used by the handlers.
type Sessions interface {
	Issue(ctx context.Context, identity *identitydomain.ExternalIdentity, dev sessionservice.Device) (*sessionservice.Issued, error)
	Validate(ctx context.Context, token, fingerprint string) (*sessiondomain.View, error)
	Introspect(ctx context.Context, token string) (*sessiondomain.View, error)
	Refresh(ctx context.Context, token, refreshToken string) (string, error)
	Logout(ctx context.Context, token string) error
	RevokeByID(ctx context.Context, tenantID, sessionID string) error
}

// Readiness reports dependency health for /healthz.
type Readiness interface {
	Check(ctx context.Context) health.Report
}

// AuditEvents reads a tenant's auth events, newest first.
type AuditEvents interface {
	ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*auditdomain.AuthEvent, error)
}

const (
	defaultEventPage = 50
	maxEventPage     = 500
)

// Config controls cookies, CORS, client address resolution and the login rate limit.
type Config struct {
	CookieName   string
	CookieSecure bool
	// CookieSameSite defaults to http.SameSiteLaxMode.
	CookieSameSite http.SameSite
	// LoginRatePerSecond and LoginRateBurst shape the per-IP bucket on /auth/login; zero disables it.
	LoginRatePerSecond float64
	LoginRateBurst     int
	// CORSAllowedOrigins enables credentialed CORS on /auth for the listed origins.
	CORSAllowedOrigins []string
	CORSMaxAgeSeconds  int
	// ClientIP decides when forwarding headers are believed. Nil uses the socket peer only.
	ClientIP *clientip.Resolver
}

// SameSite maps "lax", "strict" or "none" to the cookie attribute. Anything else is lax.
func SameSite(mode string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// Handler serves the /auth routes.
type Handler struct {
	cfg      Config
	broker   Broker
	sessions Sessions
	guard    *authz.Guard
	ready    Readiness
	events   AuditEvents
	limiter  *IPRateLimiter
}

// NewHandler returns a Handler. ready may be nil, in which case /healthz always reports OK.
func NewHandler(cfg Config, broker Broker, sessions Sessions, guard *authz.Guard, ready Readiness) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "dineops_session"
	}
	if cfg.CookieSameSite == 0 || cfg.CookieSameSite == http.SameSiteDefaultMode {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	h := &Handler{cfg: cfg, broker: broker, sessions: sessions, guard: guard, ready: ready}
	if cfg.LoginRatePerSecond > 0 {
		h.limiter = NewIPRateLimiter(cfg.LoginRatePerSecond, cfg.LoginRateBurst, 10*time.Minute)
	}
	return h
}

// WithAuditEvents enables GET /tenants/{tenantID}/audit-events backed by events.
func (h *Handler) WithAuditEvents(events AuditEvents) *Handler {
	h.events = events
	return h
}

// Limiter returns the login rate limiter, or nil when disabled.
func (h *Handler) Limiter() *IPRateLimiter { return h.limiter }

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.sourceAddr)
	r.Get("/healthz", h.healthz)
	r.Route("/auth", func(r chi.Router) {
		if len(h.cfg.CORSAllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   h.cfg.CORSAllowedOrigins,
				AllowedMethods:   []string{http.MethodGet, http.MethodPost},
				AllowedHeaders:   []string{"Authorization", "Content-Type", FingerprintHeader},
				AllowCredentials: true,
				MaxAge:           h.cfg.CORSMaxAgeSeconds,
			}))
		}
		r.With(h.rateLimitLogin).Get("/login", h.login)
		r.Get("/callback", h.callback)
		r.Post("/refresh", h.refresh)
		r.Post("/logout", h.logout)
		r.With(h.RequireSession).Get("/session", h.session)
	})
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Use(h.RequireSession)
		r.With(h.RequirePermission("sessions", "revoke")).Delete("/sessions/{sessionID}", h.revokeSession)
		if h.events != nil {
			r.With(h.RequirePermission("audit", "read")).Get("/audit-events", h.auditEvents)
		}
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	report := health.Report{OK: true}
	if h.ready != nil {
		report = h.ready.Check(r.Context())
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := h.broker.StartLogin(r.Context(), identityservice.LoginRequest{
		TenantHint: q.Get("tenant"),
		LoginHint:  q.Get("login_hint"),
		SourceAddr: h.clientIP(r),
		ReturnTo:   safeReturnTo(q.Get("return_to")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

type callbackResponse struct {
	RefreshToken string              `json:"refresh_token"`
	Session      *sessiondomain.View `json:"session"`
	ReturnTo     string              `json:"return_to,omitempty"`
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addr := h.clientIP(r)
	identity, err := h.broker.CompleteLogin(r.Context(), identityservice.Callback{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		SourceAddr:    addr,
		ProviderError: q.Get("error"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	issued, err := h.sessions.Issue(r.Context(), identity, sessionservice.Device{
		Fingerprint: r.Header.Get(FingerprintHeader),
		SourceAddr:  addr,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, h.sessionCookie(issued.SessionToken, issued.View.AbsoluteExpiresAt))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, callbackResponse{
		RefreshToken: issued.RefreshToken,
		Session:      issued.View,
		ReturnTo:     identity.ReturnTo,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	token := h.sessionToken(r)
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, autherr.ErrInvalidCredentials)
		return
	}
	next, err := h.sessions.Refresh(r.Context(), token, req.RefreshToken)
	if err != nil {
		if errors.Is(err, autherr.ErrReplayDetected) || errors.Is(err, autherr.ErrRevokedSession) {
			http.SetCookie(w, h.clearCookie())
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, refreshResponse{RefreshToken: next})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token := h.sessionToken(r)
	http.SetCookie(w, h.clearCookie())
	if token == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.sessions.Logout(r.Context(), token); err != nil && !errors.Is(err, autherr.ErrInvalidCredentials) {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	view, _ := authz.SessionFrom(r.Context())
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.RevokeByID(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "sessionID")); err != nil {
		if errors.Is(err, autherr.ErrInvalidCredentials) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type auditEventView struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	UserID     string    `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"`
	SourceAddr string    `json:"source_addr,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

func (h *Handler) auditEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultEventPage)
	if limit <= 0 || limit > maxEventPage {
		limit = defaultEventPage
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	events, err := h.events.ListByTenant(r.Context(), chi.URLParam(r, "tenantID"), int32(limit), int32(offset))
	if err != nil {
		logger.Log.Error("httpapi: list audit events", zap.Error(err))
		writeError(w, autherr.ErrInternal)
		return
	}
	out := make([]auditEventView, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventView{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			UserID:     e.UserID,
			SessionID:  e.SessionID,
			Kind:       string(e.Kind),
			Outcome:    string(e.Outcome),
			SourceAddr: e.SourceAddr,
			Reason:     e.Reason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// sessionToken reads the session token from "Authorization: Session <token>" or the cookie.
func (h *Handler) sessionToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); len(v) > len("session ") && strings.EqualFold(v[:len("session ")], "session ") {
		return strings.TrimSpace(v[len("session "):])
	}
	if c, err := r.Cookie(h.cfg.CookieName); err == nil {
		return c.Value
	}
	return ""
}

func (h *Handler) sessionCookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	}
}

func (h *Handler) clearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	}
}

// safeReturnTo keeps only same-origin absolute paths.
func safeReturnTo(s string) string {
	if !strings.HasPrefix(s, "/") || strings.HasPrefix(s, "//") || strings.Contains(s, `\`) {
		return ""
	}
	return s
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := autherr.KindOf(err)
	if kind == autherr.KindInternal {
		var e *autherr.Error
		if !errors.As(err, &e) {
			logger.Log.Error("httpapi: unclassified error", zap.Error(err))
		}
	}
	if kind == autherr.KindRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, autherr.HTTPStatus(err), errorBody{Error: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("httpapi: write response", zap.Error(err))
	}
}

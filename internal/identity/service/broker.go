package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	auditdomain "dineops/backend/internal/audit/domain"
	"dineops/backend/internal/audit/lockout"
	"dineops/backend/internal/autherr"
	"dineops/backend/internal/identity/domain"
	"dineops/backend/internal/identity/provider"
	"dineops/backend/internal/identity/repository"
	"dineops/backend/internal/logger"
	"dineops/backend/internal/security"
	"dineops/backend/internal/tokencache"
	userdomain "dineops/backend/internal/user/domain"
)

// pendingRetention multiplies the attempt lifetime to decide how long stores keep an
// attempt, so a late callback reports ExpiredAttempt rather than InvalidState.
const pendingRetention = 2

var signingMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// UserRepo is the minimal user repository needed by the broker.
type UserRepo interface {
	Upsert(ctx context.Context, u *userdomain.User) (*userdomain.User, error)
}

// KeySource resolves ID-token verification keys by kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// AuditRecorder is the subset of the audit log the broker uses.
type AuditRecorder interface {
	Record(ctx context.Context, e *auditdomain.AuthEvent)
	CheckLockout(ctx context.Context, keys ...string) error
	ClearFailures(ctx context.Context, keys ...string)
}

// Config configures a Broker.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// Issuer is the expected iss claim.
	Issuer    string
	Endpoints provider.Endpoints
	Scopes    []string
	// TenantID, when set, is the only tenant whose identities are accepted.
	TenantID   string
	ClockSkew  time.Duration
	AttemptTTL time.Duration
	// HTTPClient is used for token exchange; its Timeout bounds each attempt.
	HTTPClient *http.Client
	MaxRetries int
}

// LoginRequest starts a login.
type LoginRequest struct {
	TenantHint string
	LoginHint  string
	SourceAddr string
	ReturnTo   string
}

// LoginRedirect is where the client must be sent to authenticate.
type LoginRedirect struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// Callback carries the provider's redirect back to us.
type Callback struct {
	Code       string
	State      string
	SourceAddr string
	// ProviderError is the error parameter the provider sent instead of a code.
	ProviderError string
}

// Broker drives the OIDC authorization-code flow with PKCE and verifies ID tokens.
type Broker struct {
	cfg     Config
	oauth   *oauth2.Config
	keys    KeySource
	claims  *tokencache.ClaimsCache
	mapper  provider.ClaimsMapper
	pending repository.PendingStore
	users   UserRepo
	audit   AuditRecorder
	now     func() time.Time
}

// NewBroker returns a Broker. claims may be nil to disable the validated-claims cache.
func NewBroker(cfg Config, keys KeySource, claims *tokencache.ClaimsCache, mapper provider.ClaimsMapper,
	pending repository.PendingStore, users UserRepo, audit AuditRecorder) *Broker {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.AttemptTTL <= 0 {
		cfg.AttemptTTL = 10 * time.Minute
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile", "email"}
	}
	return &Broker{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.Endpoints.AuthURL,
				TokenURL:  cfg.Endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		keys:    keys,
		claims:  claims,
		mapper:  mapper,
		pending: pending,
		users:   users,
		audit:   audit,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// StartLogin creates a pending attempt with fresh state, nonce and PKCE verifier and
// returns the provider authorization URL.
func (b *Broker) StartLogin(ctx context.Context, req LoginRequest) (*LoginRedirect, error) {
	keys := lockoutKeys(req.SourceAddr, req.LoginHint)
	if err := b.audit.CheckLockout(ctx, keys...); err != nil {
		b.record(ctx, auditdomain.KindLoginStarted, outcomeFor(err), req.TenantHint, req.SourceAddr, err, "", nil)
		return nil, err
	}

	state, err := security.NewOpaqueToken()
	if err != nil {
		return nil, b.internal(ctx, "generate state", err)
	}
	nonce, err := security.NewOpaqueToken()
	if err != nil {
		return nil, b.internal(ctx, "generate nonce", err)
	}
	now := b.now().UTC()
	p := &domain.PendingLogin{
		LoginID:      uuid.New().String(),
		State:        state,
		Nonce:        nonce,
		CodeVerifier: oauth2.GenerateVerifier(),
		TenantHint:   strings.TrimSpace(req.TenantHint),
		LoginHint:    strings.ToLower(strings.TrimSpace(req.LoginHint)),
		SourceAddr:   req.SourceAddr,
		ReturnTo:     req.ReturnTo,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.cfg.AttemptTTL),
	}
	if err := b.pending.Save(ctx, p, pendingRetention*b.cfg.AttemptTTL); err != nil {
		return nil, b.internal(ctx, "save pending login", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(p.CodeVerifier),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("response_mode", "query"),
	}
	if p.TenantHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("domain_hint", p.TenantHint))
	}
	if p.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", p.LoginHint))
	}
	b.record(ctx, auditdomain.KindLoginStarted, auditdomain.OutcomeSuccess, p.TenantHint, p.SourceAddr, nil, "", nil)
	return &LoginRedirect{
		URL:       b.oauth.AuthCodeURL(state, opts...),
		State:     state,
		ExpiresAt: p.ExpiresAt,
	}, nil
}

// CompleteLogin consumes the pending attempt for cb.State, exchanges the code, verifies
// the ID token, maps its claims and upserts the user. Errors are coarse autherr kinds;
// diagnostic detail goes to the audit log only.
func (b *Broker) CompleteLogin(ctx context.Context, cb Callback) (*domain.ExternalIdentity, error) {
	addrKeys := lockoutKeys(cb.SourceAddr, "")
	// A locked address is refused before its callback can touch any pending attempt.
	if err := b.audit.CheckLockout(ctx, addrKeys...); err != nil {
		b.record(ctx, auditdomain.KindLoginFailed, outcomeFor(err), "", cb.SourceAddr, err, "", nil)
		return nil, err
	}
	if cb.State == "" {
		return nil, b.fail(ctx, "", cb.SourceAddr, fault(autherr.ErrInvalidState, "missing state"), addrKeys)
	}
	p, err := b.pending.Take(ctx, cb.State)
	if err != nil {
		return nil, b.internal(ctx, "take pending login", err)
	}
	if p == nil {
		return nil, b.fail(ctx, "", cb.SourceAddr, fault(autherr.ErrInvalidState, "unknown or consumed state"), addrKeys)
	}
	keys := lockoutKeys(cb.SourceAddr, p.LoginHint)
	if p.Expired(b.now()) {
		return nil, b.fail(ctx, p.TenantHint, cb.SourceAddr, fault(autherr.ErrExpiredAttempt, "attempt expired"), keys)
	}
	if err := b.audit.CheckLockout(ctx, keys...); err != nil {
		b.record(ctx, auditdomain.KindLoginFailed, outcomeFor(err), p.TenantHint, cb.SourceAddr, err, "", nil)
		return nil, err
	}
	if cb.ProviderError != "" || cb.Code == "" {
		return nil, b.fail(ctx, p.TenantHint, cb.SourceAddr,
			fault(autherr.ErrInvalidCredentials, "provider returned error: "+cb.ProviderError), keys)
	}

	tok, err := b.exchange(ctx, cb.Code, p.CodeVerifier)
	if err != nil {
		return nil, b.fail(ctx, p.TenantHint, cb.SourceAddr, err, keys)
	}
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, b.fail(ctx, p.TenantHint, cb.SourceAddr, fault(autherr.ErrInvalidCredentials, "token response has no id_token"), keys)
	}
	claims, err := b.verify(ctx, rawID, p.Nonce)
	if err != nil {
		return nil, b.fail(ctx, p.TenantHint, cb.SourceAddr, err, keys)
	}
	mapped, err := b.mapper.Map(claims)
	if err != nil {
		return nil, b.fail(ctx, p.TenantHint, cb.SourceAddr, fault(autherr.ErrClaimsMapping, err.Error()), keys)
	}
	if b.cfg.TenantID != "" && mapped.TenantID != b.cfg.TenantID {
		return nil, b.fail(ctx, mapped.TenantID, cb.SourceAddr,
			fault(autherr.ErrUntrustedIssuer, "tenant "+mapped.TenantID+" is not trusted"), keys)
	}
	if p.TenantHint != "" && mapped.TenantID != p.TenantHint {
		return nil, b.fail(ctx, mapped.TenantID, cb.SourceAddr,
			fault(autherr.ErrClaimsMapping, "tenant hint "+p.TenantHint+" does not match "+mapped.TenantID), keys)
	}

	if mapped.Email != "" && mapped.Email != p.LoginHint {
		keys = append(keys, lockout.UserKey(mapped.Email))
	}
	if err := b.audit.CheckLockout(ctx, keys...); err != nil {
		b.record(ctx, auditdomain.KindLoginFailed, outcomeFor(err), mapped.TenantID, cb.SourceAddr, err, "", nil)
		return nil, err
	}

	now := b.now().UTC()
	user, err := b.users.Upsert(ctx, &userdomain.User{
		ID:              uuid.New().String(),
		ExternalSubject: mapped.Subject,
		TenantID:        mapped.TenantID,
		Email:           mapped.Email,
		Name:            mapped.Name,
		Roles:           mapped.Roles,
		Status:          userdomain.UserStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, b.internal(ctx, "upsert user", err)
	}
	if !user.Active() {
		return nil, b.fail(ctx, user.TenantID, cb.SourceAddr, fault(autherr.ErrInvalidCredentials, "user "+user.ID+" is disabled"), keys)
	}

	b.audit.ClearFailures(ctx, keys...)
	b.audit.Record(ctx, &auditdomain.AuthEvent{
		UserID:     user.ID,
		TenantID:   user.TenantID,
		Kind:       auditdomain.KindLoginSucceeded,
		Outcome:    auditdomain.OutcomeSuccess,
		SourceAddr: cb.SourceAddr,
	})
	return &domain.ExternalIdentity{
		LoginID:  p.LoginID,
		UserID:   user.ID,
		Subject:  user.ExternalSubject,
		TenantID: user.TenantID,
		Email:    user.Email,
		Name:     user.Name,
		Roles:    append([]string(nil), user.Roles...),
		AuthTime: now,
		ReturnTo: p.ReturnTo,
	}, nil
}

// VerifyIDToken checks the signature, issuer, audience, nonce and time claims of raw and
// returns its claims. An empty nonce skips the nonce check.
func (b *Broker) VerifyIDToken(ctx context.Context, raw, nonce string) (jwt.MapClaims, error) {
	claims, err := b.verify(ctx, raw, nonce)
	if err != nil {
		logger.Log.Debug("identity: id token rejected", zap.Error(err))
		return nil, coarse(err)
	}
	return claims, nil
}

func (b *Broker) verify(ctx context.Context, raw, nonce string) (jwt.MapClaims, error) {
	claims, cached := b.claims.Get(raw)
	if !cached {
		parser := jwt.NewParser(
			jwt.WithValidMethods(signingMethods),
			jwt.WithLeeway(b.cfg.ClockSkew),
			jwt.WithTimeFunc(b.now),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
		)
		parsed := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(raw, parsed, func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, tokencache.ErrKeyNotFound
			}
			return b.keys.Key(ctx, kid)
		})
		if err != nil {
			return nil, classifyParseError(err)
		}
		claims = parsed
	}

	iss, _ := claims.GetIssuer()
	if iss != b.cfg.Issuer {
		return nil, fault(autherr.ErrUntrustedIssuer, "issuer "+iss)
	}
	aud, _ := claims.GetAudience()
	if !slices.Contains(aud, b.cfg.ClientID) {
		return nil, fault(autherr.ErrUntrustedIssuer, fmt.Sprintf("audience %v", []string(aud)))
	}
	if nonce != "" {
		got, _ := claims["nonce"].(string)
		if !security.HashEqual(got, nonce) {
			return nil, fault(autherr.ErrInvalidState, "nonce mismatch")
		}
	}
	if cached {
		// Re-check expiry; the cache entry may outlive a token near its exp.
		exp, _ := claims.GetExpirationTime()
		if exp == nil || !b.now().Before(exp.Add(b.cfg.ClockSkew)) {
			return nil, fault(autherr.ErrInvalidCredentials, "token expired")
		}
		return claims, nil
	}
	var expAt time.Time
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		expAt = exp.Time
	}
	b.claims.Put(raw, claims, expAt)
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, tokencache.ErrFetch):
		return fault(autherr.ErrInternal, err.Error())
	case errors.Is(err, tokencache.ErrKeyNotFound),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fault(autherr.ErrSignatureMismatch, err.Error())
	default:
		// Malformed tokens, exp/iat/nbf outside the allowed skew, missing exp.
		return fault(autherr.ErrInvalidCredentials, err.Error())
	}
}

// exchange redeems the code at the token endpoint. Transport errors and 5xx responses
// are retried with backoff; protocol rejections are returned immediately.
func (b *Broker) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.cfg.HTTPClient)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		tok, err := b.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err == nil {
			return tok, nil
		}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(fault(autherr.ErrInvalidCredentials,
				fmt.Sprintf("token endpoint rejected code: %s %s", re.ErrorCode, re.ErrorDescription)))
		}
		return nil, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(b.cfg.MaxRetries+1)), // #nosec G115 -- includes the initial attempt
	)
	if err != nil {
		var f *failure
		if errors.As(err, &f) {
			return nil, f
		}
		return nil, fault(autherr.ErrInternal, "token exchange: "+err.Error())
	}
	return tok, nil
}

// fail records a login failure that counts against keys and returns the coarse error.
func (b *Broker) fail(ctx context.Context, tenantID, addr string, err error, keys []string) error {
	kind := autherr.KindOf(err)
	var counted []string
	if kind != autherr.KindInternal && kind != autherr.KindRateLimited {
		counted = keys
	}
	var detail string
	var f *failure
	if errors.As(err, &f) {
		detail = f.detail
	}
	b.record(ctx, auditdomain.KindLoginFailed, auditdomain.OutcomeFailure, tenantID, addr, err, detail, counted)
	return coarse(err)
}

func (b *Broker) internal(ctx context.Context, op string, err error) error {
	logger.Log.Error("identity: "+op+" failed", zap.Error(err))
	return autherr.ErrInternal
}

func (b *Broker) record(ctx context.Context, kind auditdomain.Kind, outcome auditdomain.Outcome, tenantID, addr string, err error, detail string, keys []string) {
	e := &auditdomain.AuthEvent{
		TenantID:    tenantID,
		Kind:        kind,
		Outcome:     outcome,
		SourceAddr:  addr,
		Detail:      detail,
		LockoutKeys: keys,
	}
	if err != nil {
		e.Reason = string(autherr.KindOf(err))
	}
	b.audit.Record(ctx, e)
}

func outcomeFor(err error) auditdomain.Outcome {
	if errors.Is(err, autherr.ErrRateLimited) {
		return auditdomain.OutcomeLocked
	}
	return auditdomain.OutcomeFailure
}

func lockoutKeys(addr, loginHint string) []string {
	var keys []string
	if addr != "" {
		keys = append(keys, lockout.AddrKey(addr))
	}
	if hint := strings.ToLower(strings.TrimSpace(loginHint)); hint != "" {
		keys = append(keys, lockout.UserKey(hint))
	}
	return keys
}

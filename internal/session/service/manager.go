package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	auditdomain "dineops/backend/internal/audit/domain"
	"dineops/backend/internal/autherr"
	identitydomain "dineops/backend/internal/identity/domain"
	"dineops/backend/internal/logger"
	"dineops/backend/internal/security"
	"dineops/backend/internal/session/domain"
	"dineops/backend/internal/session/repository"
)

// maxPreviousHashes bounds the rotated-away refresh hashes kept for reuse detection.
const maxPreviousHashes = 128

// errNoWrite aborts a store update whose outcome is already decided.
var errNoWrite = errors.New("session: no write")

// AuditRecorder is the subset of the audit log the manager uses.
type AuditRecorder interface {
	Record(ctx context.Context, e *auditdomain.AuthEvent)
}

// Config holds session timing and refresh-token policy. There are no defaults for the
// durations; config loading rejects unset values.
type Config struct {
	AbsoluteLifetime time.Duration
	SlidingIncrement time.Duration
	// ReuseDetection treats presentation of a rotated-away refresh token as theft.
	ReuseDetection bool
	// FamilyRevocation extends replay revocation to every session from the same login.
	FamilyRevocation bool
}

// Device describes the client a session is bound to.
type Device struct {
	Fingerprint string
	SourceAddr  string
}

// Issued is returned once by Issue. SessionToken and RefreshToken are never stored.
type Issued struct {
	SessionToken string
	RefreshToken string
	View         *domain.View
}

// Manager issues, validates, refreshes and revokes sessions.
type Manager struct {
	repo  repository.Repository
	audit AuditRecorder
	cfg   Config
	now   func() time.Time
}

// NewManager returns a Manager over repo.
func NewManager(repo repository.Repository, audit AuditRecorder, cfg Config) *Manager {
	return &Manager{repo: repo, audit: audit, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue creates an Active session for identity, snapshotting its roles. The session
// joins the family of identity.LoginID.
func (m *Manager) Issue(ctx context.Context, identity *identitydomain.ExternalIdentity, dev Device) (*Issued, error) {
	if identity == nil || identity.UserID == "" || identity.TenantID == "" {
		return nil, autherr.ErrInvalidCredentials
	}
	token, err := security.NewOpaqueToken()
	if err != nil {
		return nil, m.internal("generate session token", err)
	}
	refresh, err := security.NewOpaqueToken()
	if err != nil {
		return nil, m.internal("generate refresh token", err)
	}
	now := m.now().UTC()
	absolute := now.Add(m.cfg.AbsoluteLifetime)
	family := identity.LoginID
	if family == "" {
		family = security.HashToken(token)
	}
	s := &domain.Session{
		ID:                security.HashToken(token),
		UserID:            identity.UserID,
		TenantID:          identity.TenantID,
		FamilyID:          family,
		Email:             identity.Email,
		Roles:             slices.Clone(identity.Roles),
		State:             domain.StatePending,
		CreatedAt:         now,
		LastActiveAt:      now,
		ExpiresAt:         slidingExpiry(now, m.cfg.SlidingIncrement, absolute),
		AbsoluteExpiresAt: absolute,
		RefreshTokenHash:  security.HashToken(refresh),
		DeviceFingerprint: dev.Fingerprint,
		SourceAddr:        dev.SourceAddr,
	}
	if !s.CreatedAt.Before(s.AbsoluteExpiresAt) {
		return nil, m.internal("issue session", errors.New("absolute lifetime must be positive"))
	}
	s.State = domain.StateActive
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, m.internal("create session", err)
	}
	m.event(ctx, s, auditdomain.KindSessionIssued, auditdomain.OutcomeSuccess, "", dev.SourceAddr)
	return &Issued{SessionToken: token, RefreshToken: refresh, View: s.View()}, nil
}

// Validate checks the session for token and slides its expiry forward, never past the
// absolute ceiling. fingerprint is compared when both it and the stored one are set.
func (m *Manager) Validate(ctx context.Context, token, fingerprint string) (*domain.View, error) {
	return m.touch(ctx, token, fingerprint, true)
}

// Introspect checks the session for token without extending it.
func (m *Manager) Introspect(ctx context.Context, token string) (*domain.View, error) {
	return m.touch(ctx, token, "", false)
}

func (m *Manager) touch(ctx context.Context, token, fingerprint string, extend bool) (*domain.View, error) {
	if token == "" {
		return nil, autherr.ErrInvalidCredentials
	}
	id := security.HashToken(token)
	now := m.now().UTC()

	var (
		outcome error
		expired bool
		seen    *domain.Session
	)
	updated, err := m.repo.Update(ctx, id, func(s *domain.Session) error {
		outcome, expired, seen = nil, false, s.Clone()
		switch s.State {
		case domain.StateRevoked:
			outcome = autherr.ErrRevokedSession
			return errNoWrite
		case domain.StateExpired:
			outcome = autherr.ErrExpiredSession
			return errNoWrite
		}
		if s.PastExpiry(now) {
			s.State = domain.StateExpired
			outcome, expired = autherr.ErrExpiredSession, true
			return nil
		}
		if fingerprint != "" && s.DeviceFingerprint != "" && !security.HashEqual(fingerprint, s.DeviceFingerprint) {
			outcome = autherr.ErrInvalidCredentials
			return errNoWrite
		}
		if !extend {
			return errNoWrite
		}
		s.LastActiveAt = now
		s.ExpiresAt = slidingExpiry(now, m.cfg.SlidingIncrement, s.AbsoluteExpiresAt)
		return nil
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		m.rejected(ctx, nil, autherr.ErrInvalidCredentials)
		return nil, autherr.ErrInvalidCredentials
	case err != nil && !errors.Is(err, errNoWrite):
		return nil, m.internal("update session", err)
	}
	if expired {
		m.event(ctx, seen, auditdomain.KindSessionExpired, auditdomain.OutcomeSuccess, "", "")
	}
	if outcome != nil {
		if !expired {
			m.rejected(ctx, seen, outcome)
		}
		return nil, outcome
	}
	if updated != nil {
		return updated.View(), nil
	}
	return seen.View(), nil
}

// Refresh rotates the refresh token of the session for token and returns the new one.
// Presenting a refresh token that was already rotated away revokes the session unless it
// has already ended (and, with family revocation, every session from the same login) and returns
// autherr.ErrReplayDetected, on this and every later presentation.
func (m *Manager) Refresh(ctx context.Context, token, refreshToken string) (string, error) {
	if token == "" || refreshToken == "" {
		return "", autherr.ErrInvalidCredentials
	}
	next, err := security.NewOpaqueToken()
	if err != nil {
		return "", m.internal("generate refresh token", err)
	}
	id := security.HashToken(token)
	presented := security.HashToken(refreshToken)
	now := m.now().UTC()

	var (
		outcome    error
		replay     bool
		newlyFound bool
		expired    bool
		seen       *domain.Session
	)
	_, err = m.repo.Update(ctx, id, func(s *domain.Session) error {
		outcome, replay, newlyFound, expired, seen = nil, false, false, false, s.Clone()
		if m.cfg.ReuseDetection && containsHash(s.PreviousRefreshHashes, presented) {
			outcome, replay = autherr.ErrReplayDetected, true
			if s.Terminal() {
				return errNoWrite
			}
			newlyFound = true
			revoke(s, now, domain.ReasonRefreshReplay)
			return nil
		}
		switch s.State {
		case domain.StateRevoked:
			outcome = autherr.ErrRevokedSession
			return errNoWrite
		case domain.StateExpired:
			outcome = autherr.ErrExpiredSession
			return errNoWrite
		}
		if s.PastExpiry(now) {
			s.State = domain.StateExpired
			outcome, expired = autherr.ErrExpiredSession, true
			return nil
		}
		if !security.TokenHashEqual(refreshToken, s.RefreshTokenHash) {
			outcome = autherr.ErrInvalidCredentials
			return errNoWrite
		}
		s.PreviousRefreshHashes = append(s.PreviousRefreshHashes, s.RefreshTokenHash)
		if n := len(s.PreviousRefreshHashes); n > maxPreviousHashes {
			s.PreviousRefreshHashes = s.PreviousRefreshHashes[n-maxPreviousHashes:]
		}
		s.RefreshTokenHash = security.HashToken(next)
		s.LastActiveAt = now
		s.ExpiresAt = slidingExpiry(now, m.cfg.SlidingIncrement, s.AbsoluteExpiresAt)
		return nil
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		m.rejected(ctx, nil, autherr.ErrInvalidCredentials)
		return "", autherr.ErrInvalidCredentials
	case err != nil && !errors.Is(err, errNoWrite):
		return "", m.internal("rotate refresh token", err)
	}

	if replay {
		m.event(ctx, seen, auditdomain.KindRefreshReplay, auditdomain.OutcomeFailure, string(autherr.KindReplayDetected), "")
		if newlyFound {
			m.event(ctx, seen, auditdomain.KindSessionRevoked, auditdomain.OutcomeSuccess, domain.ReasonRefreshReplay, "")
		}
		if m.cfg.FamilyRevocation && seen.FamilyID != "" {
			if _, err := m.revokeFamily(ctx, seen.FamilyID, domain.ReasonFamilyReplay); err != nil {
				logger.Log.Error("session: family revocation after replay failed",
					zap.String("family_id", seen.FamilyID), zap.Error(err))
			}
		}
		return "", autherr.ErrReplayDetected
	}
	if expired {
		m.event(ctx, seen, auditdomain.KindSessionExpired, auditdomain.OutcomeSuccess, "", "")
	}
	if outcome != nil {
		if !expired {
			m.rejected(ctx, seen, outcome)
		}
		return "", outcome
	}
	m.event(ctx, seen, auditdomain.KindSessionRefreshed, auditdomain.OutcomeSuccess, "", "")
	return next, nil
}

// Revoke ends the session for token. Revoking an already revoked or expired session is a no-op.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return autherr.ErrInvalidCredentials
	}
	_, err := m.revokeID(ctx, security.HashToken(token), domain.ReasonLogout)
	return err
}

// Logout revokes the session for token.
func (m *Manager) Logout(ctx context.Context, token string) error {
	return m.Revoke(ctx, token)
}

// RevokeByID revokes the session with the stored id, provided it belongs to tenantID.
// Unknown ids and sessions of other tenants are reported as InvalidCredentials.
func (m *Manager) RevokeByID(ctx context.Context, tenantID, sessionID string) error {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return m.internal("get session", err)
	}
	if s == nil || s.TenantID != tenantID {
		return autherr.ErrInvalidCredentials
	}
	_, err = m.revokeID(ctx, sessionID, domain.ReasonAdmin)
	return err
}

// RevokeFamily revokes every session in the family and returns how many changed state.
func (m *Manager) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return m.revokeFamily(ctx, familyID, domain.ReasonFamilyReplay)
}

func (m *Manager) revokeFamily(ctx context.Context, familyID, reason string) (int, error) {
	ids, err := m.repo.ListFamily(ctx, familyID)
	if err != nil {
		return 0, m.internal("list family", err)
	}
	var n int
	var firstErr error
	for _, id := range ids {
		changed, err := m.revokeID(ctx, id, reason)
		if err != nil && !errors.Is(err, autherr.ErrInvalidCredentials) && firstErr == nil {
			firstErr = err
		}
		if changed {
			n++
		}
	}
	return n, firstErr
}

// revokeID reports whether the session moved to Revoked.
func (m *Manager) revokeID(ctx context.Context, id, reason string) (bool, error) {
	now := m.now().UTC()
	var changed bool
	s, err := m.repo.Update(ctx, id, func(s *domain.Session) error {
		changed = false
		if s.Terminal() {
			return errNoWrite
		}
		revoke(s, now, reason)
		changed = true
		return nil
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, autherr.ErrInvalidCredentials
	case errors.Is(err, errNoWrite):
		return false, nil
	case err != nil:
		return false, m.internal("revoke session", err)
	}
	if changed {
		m.event(ctx, s, auditdomain.KindSessionRevoked, auditdomain.OutcomeSuccess, reason, "")
	}
	return changed, nil
}

func revoke(s *domain.Session, now time.Time, reason string) {
	s.State = domain.StateRevoked
	s.RevokedAt = &now
	s.RevokeReason = reason
}

// slidingExpiry is min(now+increment, absolute).
func slidingExpiry(now time.Time, increment time.Duration, absolute time.Time) time.Time {
	next := now.Add(increment)
	if next.After(absolute) {
		return absolute
	}
	return next
}

func containsHash(hashes []string, h string) bool {
	found := false
	for _, x := range hashes {
		if security.HashEqual(x, h) {
			found = true
		}
	}
	return found
}

func (m *Manager) event(ctx context.Context, s *domain.Session, kind auditdomain.Kind, outcome auditdomain.Outcome, reason, addr string) {
	if m.audit == nil || s == nil {
		return
	}
	if addr == "" {
		addr = s.SourceAddr
	}
	m.audit.Record(ctx, &auditdomain.AuthEvent{
		UserID:     s.UserID,
		TenantID:   s.TenantID,
		SessionID:  s.ID,
		Kind:       kind,
		Outcome:    outcome,
		SourceAddr: addr,
		Reason:     reason,
	})
}

func (m *Manager) rejected(ctx context.Context, s *domain.Session, err error) {
	if m.audit == nil {
		return
	}
	e := &auditdomain.AuthEvent{
		Kind:    auditdomain.KindSessionRejected,
		Outcome: auditdomain.OutcomeFailure,
		Reason:  string(autherr.KindOf(err)),
	}
	if s != nil {
		e.UserID, e.TenantID, e.SessionID = s.UserID, s.TenantID, s.ID
	}
	m.audit.Record(ctx, e)
}

func (m *Manager) internal(op string, err error) error {
	logger.Log.Error("session: "+op+" failed", zap.Error(err))
	return autherr.ErrInternal
}

// Package authz decides whether a session may perform an action on a resource in a tenant.
package authz

import (
	"context"
	"strings"

	auditdomain "dineops/backend/internal/audit/domain"
	"dineops/backend/internal/audit/lockout"
	"dineops/backend/internal/autherr"
	sessiondomain "dineops/backend/internal/session/domain"
)

// Denial reasons recorded in Decision.Reason and the audit log.
const (
	ReasonNoSession      = "no_session"
	ReasonTenantMismatch = "tenant_mismatch"
	ReasonLocked         = "locked"
	ReasonNotGranted     = "not_granted"
	ReasonCondition      = "condition_denied"
)

// Decision is the outcome of a Check. Err is nil when Allowed.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

// LockoutChecker reports autherr.ErrRateLimited while any key is locked.
type LockoutChecker interface {
	CheckLockout(ctx context.Context, keys ...string) error
}

// AuditRecorder records denials.
type AuditRecorder interface {
	Record(ctx context.Context, e *auditdomain.AuthEvent)
}

// Guard evaluates Check against a compiled Policy. It holds no per-request state.
type Guard struct {
	policy    *Policy
	lockout   LockoutChecker
	audit     AuditRecorder
	condition Condition
}

// NewGuard returns a Guard. lockout and audit may be nil.
func NewGuard(policy *Policy, lockout LockoutChecker, audit AuditRecorder) *Guard {
	return &Guard{policy: policy, lockout: lockout, audit: audit}
}

// WithCondition sets a condition evaluated after the role policy allows a request.
func (g *Guard) WithCondition(c Condition) *Guard {
	g.condition = c
	return g
}

// Check decides whether view may perform action on resource within tenantID.
// The tenant comparison happens before any role evaluation; anything not granted is denied.
func (g *Guard) Check(ctx context.Context, view *sessiondomain.View, tenantID, resource, action string) Decision {
	if view == nil {
		return g.deny(ctx, view, tenantID, resource, action, ReasonNoSession, autherr.ErrInvalidCredentials)
	}
	if tenantID == "" || view.TenantID != tenantID {
		return g.deny(ctx, view, tenantID, resource, action, ReasonTenantMismatch, autherr.ErrInvalidCredentials)
	}
	if g.lockout != nil {
		if err := g.lockout.CheckLockout(ctx, lockedKeys(view)...); err != nil {
			reason := ReasonLocked
			if autherr.KindOf(err) != autherr.KindRateLimited {
				reason = string(autherr.KindInternal)
			}
			return g.deny(ctx, view, tenantID, resource, action, reason, err)
		}
	}
	if !g.policy.Allows(view.Roles, resource, action) {
		return g.deny(ctx, view, tenantID, resource, action, ReasonNotGranted, nil)
	}
	if g.condition != nil {
		ok, err := g.condition.Permit(ctx, conditionInput(view, resource, action))
		if err != nil {
			return g.deny(ctx, view, tenantID, resource, action, string(autherr.KindInternal), autherr.ErrInternal)
		}
		if !ok {
			return g.deny(ctx, view, tenantID, resource, action, ReasonCondition, nil)
		}
	}
	return Decision{Allowed: true}
}

// CheckContext is Check for the session carried in ctx by WithSession.
func (g *Guard) CheckContext(ctx context.Context, tenantID, resource, action string) Decision {
	view, _ := SessionFrom(ctx)
	return g.Check(ctx, view, tenantID, resource, action)
}

func (g *Guard) deny(ctx context.Context, view *sessiondomain.View, tenantID, resource, action, reason string, err error) Decision {
	if g.audit != nil {
		e := &auditdomain.AuthEvent{
			TenantID: tenantID,
			Kind:     auditdomain.KindAccessDenied,
			Outcome:  auditdomain.OutcomeFailure,
			Reason:   reason,
			Detail:   resource + ":" + action,
		}
		if view != nil {
			e.UserID, e.SessionID = view.UserID, view.SessionID
		}
		g.audit.Record(ctx, e)
	}
	return Decision{Reason: reason, Err: err}
}

func lockedKeys(view *sessiondomain.View) []string {
	keys := []string{lockout.UserKey(view.UserID)}
	if email := strings.ToLower(strings.TrimSpace(view.Email)); email != "" {
		keys = append(keys, lockout.UserKey(email))
	}
	return keys
}

package domain

import "time"

// UnknownUser is recorded as UserID when a failure happens before the user is identified.
const UnknownUser = "unknown"

// Kind names what happened.
type Kind string

const (
	KindLoginStarted     Kind = "login_started"
	KindLoginSucceeded   Kind = "login_succeeded"
	KindLoginFailed      Kind = "login_failed"
	KindSessionIssued    Kind = "session_issued"
	KindSessionRefreshed Kind = "session_refreshed"
	KindSessionExpired   Kind = "session_expired"
	KindSessionRevoked   Kind = "session_revoked"
	KindSessionRejected  Kind = "session_rejected"
	KindRefreshReplay    Kind = "refresh_replay"
	KindAccessDenied     Kind = "access_denied"
	KindLockout          Kind = "lockout"
)

// Outcome is the result of the event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeLocked  Outcome = "locked"
)

// AuthEvent is one append-only authentication or authorization record.
type AuthEvent struct {
	ID         string
	Timestamp  time.Time
	UserID     string
	TenantID   string
	SessionID  string
	Kind       Kind
	Outcome    Outcome
	SourceAddr string
	// Reason is the coarse error kind for failures (e.g. "signature_mismatch").
	Reason string
	// Detail is internal diagnostic text (provider error bodies, etc.). Never returned to callers.
	Detail string
	// LockoutKeys are the identity/address keys a failure counts against. Not persisted.
	LockoutKeys []string
}

// Critical reports whether the event must never be dropped: revocations, replay detection and lockouts.
func (e *AuthEvent) Critical() bool {
	switch e.Kind {
	case KindSessionRevoked, KindRefreshReplay, KindLockout:
		return true
	}
	return false
}

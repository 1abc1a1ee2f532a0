package domain

import (
	"slices"
	"time"
)

// State is a session lifecycle state. Expired and Revoked are terminal.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

// Revocation reasons.
const (
	ReasonLogout        = "logout"
	ReasonRefreshReplay = "refresh_replay"
	ReasonFamilyReplay  = "family_replay"
	ReasonAdmin         = "admin"
)

// Session is an application session issued after a successful login.
// ID is the SHA-256 of the opaque token held by the client; the token itself is never stored.
type Session struct {
	ID       string
	UserID   string
	TenantID string
	// FamilyID groups sessions descended from one login.
	FamilyID string
	Email    string
	// Roles is the role snapshot taken at issue; it never changes afterwards.
	Roles []string
	State State

	CreatedAt    time.Time
	LastActiveAt time.Time
	// ExpiresAt is the sliding expiry; never after AbsoluteExpiresAt.
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time

	RefreshTokenHash string
	// PreviousRefreshHashes are hashes rotated away, oldest first.
	PreviousRefreshHashes []string

	DeviceFingerprint string
	SourceAddr        string
	RevokedAt         *time.Time
	RevokeReason      string
	Version           int64
}

// Terminal reports whether the session can never be valid again.
func (s *Session) Terminal() bool {
	return s.State == StateExpired || s.State == StateRevoked
}

// PastExpiry reports whether now is at or after the sliding or absolute expiry.
func (s *Session) PastExpiry(now time.Time) bool {
	return !now.Before(s.ExpiresAt) || !now.Before(s.AbsoluteExpiresAt)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Roles = slices.Clone(s.Roles)
	c.PreviousRefreshHashes = slices.Clone(s.PreviousRefreshHashes)
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// View returns the read-only projection handed to request handlers.
func (s *Session) View() *View {
	return &View{
		SessionID:         s.ID,
		UserID:            s.UserID,
		TenantID:          s.TenantID,
		Email:             s.Email,
		Roles:             slices.Clone(s.Roles),
		ExpiresAt:         s.ExpiresAt,
		AbsoluteExpiresAt: s.AbsoluteExpiresAt,
	}
}

// View is what middleware and handlers see of a valid session.
type View struct {
	// SessionID is the session's stored id (token hash), safe to log.
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	TenantID          string    `json:"tenant_id"`
	Email             string    `json:"email,omitempty"`
	Roles             []string  `json:"roles"`
	ExpiresAt         time.Time `json:"expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
}

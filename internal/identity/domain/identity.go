package domain

import "time"

// PendingLogin is one in-flight authorization-code attempt, keyed by State.
// It is consumed exactly once by the callback.
type PendingLogin struct {
	// LoginID identifies the attempt; sessions issued from it share it as their family.
	LoginID      string
	State        string
	Nonce        string
	CodeVerifier string
	TenantHint   string
	LoginHint    string
	SourceAddr   string
	ReturnTo     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the attempt's lifetime has elapsed at now.
func (p *PendingLogin) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ExternalIdentity is the verified result of a completed login.
type ExternalIdentity struct {
	LoginID  string
	UserID   string
	Subject  string
	TenantID string
	Email    string
	Name     string
	// Roles are the user's roles at login; sessions snapshot them.
	Roles    []string
	AuthTime time.Time
	// ReturnTo is the post-login destination requested at StartLogin.
	ReturnTo string
}

// Claims is the provider-neutral result of claims mapping.
type Claims struct {
	Subject  string
	TenantID string
	Email    string
	Name     string
	Roles    []string
}

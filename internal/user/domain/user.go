package domain

import (
	"errors"
	"time"
)

// User is a staff member or administrator known through the external identity provider.
// Users are created or updated on login; deactivation happens outside this service by setting Status.
type User struct {
	ID              string
	ExternalSubject string // provider subject (e.g. Entra oid); unique per tenant
	TenantID        string
	Email           string
	Name            string
	Roles           []string
	Status          UserStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ExternalSubject == "" {
		return errors.New("external subject is required")
	}
	if u.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}

// Active reports whether the user may sign in.
func (u *User) Active() bool {
	return u.Status == "" || u.Status == UserStatusActive
}

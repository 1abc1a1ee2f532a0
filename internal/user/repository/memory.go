package repository

import (
	"context"
	"sync"

	"dineops/backend/internal/user/domain"
)

// MemoryRepository is an in-process Repository for development and tests.
type MemoryRepository struct {
	mu        sync.Mutex
	byID      map[string]*domain.User
	bySubject map[string]string // tenant|subject -> id
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[string]*domain.User),
		bySubject: make(map[string]string),
	}
}

func subjectKey(tenantID, subject string) string { return tenantID + "|" + subject }

// GetByID returns a copy of the user for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneUser(r.byID[id]), nil
}

// GetByExternalSubject returns a copy of the user for the tenant and subject, or nil if not found.
func (r *MemoryRepository) GetByExternalSubject(ctx context.Context, tenantID, subject string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySubject[subjectKey(tenantID, subject)]
	if !ok {
		return nil, nil
	}
	return cloneUser(r.byID[id]), nil
}

// Upsert creates or updates the user keyed by tenant and external subject.
func (r *MemoryRepository) Upsert(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subjectKey(u.TenantID, u.ExternalSubject)
	if id, ok := r.bySubject[key]; ok {
		existing := r.byID[id]
		existing.Email = u.Email
		existing.Name = u.Name
		existing.Roles = append([]string(nil), u.Roles...)
		existing.UpdatedAt = u.UpdatedAt
		return cloneUser(existing), nil
	}
	stored := cloneUser(u)
	r.byID[stored.ID] = stored
	r.bySubject[key] = stored.ID
	return cloneUser(stored), nil
}

// SetStatus changes a user's status. Deactivation is driven from outside the auth core;
// this exists for administrative tooling and tests.
func (r *MemoryRepository) SetStatus(id string, status domain.UserStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		u.Status = status
	}
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	return &c
}

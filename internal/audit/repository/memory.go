package repository

import (
	"context"
	"sync"

	"dineops/backend/internal/audit/domain"
)

// MemoryRepository keeps events in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	events []*domain.AuthEvent
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Append stores a copy of e.
func (r *MemoryRepository) Append(ctx context.Context, e *domain.AuthEvent) error {
	c := *e
	c.LockoutKeys = nil
	r.mu.Lock()
	r.events = append(r.events, &c)
	r.mu.Unlock()
	return nil
}

// ListByTenant returns the tenant's events newest first.
func (r *MemoryRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuthEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AuthEvent
	skipped := int32(0)
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.TenantID != tenantID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// All returns a copy of every stored event in append order.
func (r *MemoryRepository) All() []*domain.AuthEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.AuthEvent, len(r.events))
	for i, e := range r.events {
		c := *e
		out[i] = &c
	}
	return out
}

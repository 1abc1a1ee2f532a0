package repository

import (
	"context"
	"time"

	"dineops/backend/internal/identity/domain"
)

// PendingStore holds in-flight login attempts.
type PendingStore interface {
	// Save stores p under p.State. The store may forget it after retain.
	Save(ctx context.Context, p *domain.PendingLogin, retain time.Duration) error
	// Take removes and returns the attempt for state, or nil if none exists. Concurrent
	// Takes of the same state return the attempt to at most one caller.
	Take(ctx context.Context, state string) (*domain.PendingLogin, error)
}

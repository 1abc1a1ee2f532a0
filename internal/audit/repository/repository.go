package repository

import (
	"context"

	"dineops/backend/internal/audit/domain"
)

// Repository is append-only persistence for auth events.
type Repository interface {
	Append(ctx context.Context, e *domain.AuthEvent) error
	// ListByTenant returns the newest events first, paginated by limit and offset.
	ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuthEvent, error)
}

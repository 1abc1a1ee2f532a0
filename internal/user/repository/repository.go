package repository

import (
	"context"

	"dineops/backend/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByExternalSubject(ctx context.Context, tenantID, subject string) (*domain.User, error)
	// Upsert creates the user or, when (TenantID, ExternalSubject) exists, updates email, name and roles.
	// Status and CreatedAt of an existing user are preserved. Returns the stored user.
	Upsert(ctx context.Context, u *domain.User) (*domain.User, error)
}

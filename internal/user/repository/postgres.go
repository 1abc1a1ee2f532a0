package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"dineops/backend/internal/user/domain"
)

const userColumns = `id, external_subject, tenant_id, email, name, roles, status, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByExternalSubject returns the user for the tenant and provider subject, or nil if not found.
func (r *PostgresRepository) GetByExternalSubject(ctx context.Context, tenantID, subject string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND external_subject = $2`, tenantID, subject)
	return scanUser(row)
}

// Upsert inserts the user or updates email, name and roles of the existing (tenant, subject) row.
func (r *PostgresRepository) Upsert(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	roles, err := json.Marshal(nonNil(u.Roles))
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `INSERT INTO users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
ON CONFLICT (tenant_id, external_subject) DO UPDATE
SET email = EXCLUDED.email, name = EXCLUDED.name, roles = EXCLUDED.roles, updated_at = EXCLUDED.updated_at
RETURNING `+userColumns,
		u.ID, u.ExternalSubject, u.TenantID, u.Email, u.Name, string(roles), string(u.Status), u.CreatedAt, u.UpdatedAt)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u      domain.User
		roles  []byte
		status string
	)
	err := row.Scan(&u.ID, &u.ExternalSubject, &u.TenantID, &u.Email, &u.Name, &roles, &status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &u.Roles); err != nil {
			return nil, err
		}
	}
	u.Status = domain.UserStatus(status)
	return &u, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dineops/backend/internal/identity/domain"
)

const pendingColumns = `login_id, state, nonce, code_verifier, tenant_hint, login_hint, source_addr, return_to, created_at, expires_at`

// PostgresPendingStore keeps attempts in the pending_logins table.
type PostgresPendingStore struct {
	db *sql.DB
}

// NewPostgresPendingStore returns a pending-login store that uses the given db for persistence.
func NewPostgresPendingStore(db *sql.DB) *PostgresPendingStore {
	return &PostgresPendingStore{db: db}
}

// Save inserts p. Rows whose retention has passed are deleted first.
func (s *PostgresPendingStore) Save(ctx context.Context, p *domain.PendingLogin, retain time.Duration) error {
	forgetAt := p.CreatedAt.Add(retain)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_logins WHERE forget_at <= $1`, p.CreatedAt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO pending_logins (`+pendingColumns+`, forget_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.LoginID, p.State, p.Nonce, p.CodeVerifier, p.TenantHint, p.LoginHint, p.SourceAddr, p.ReturnTo,
		p.CreatedAt, p.ExpiresAt, forgetAt)
	return err
}

// Take deletes and returns the row for state in one statement.
func (s *PostgresPendingStore) Take(ctx context.Context, state string) (*domain.PendingLogin, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM pending_logins WHERE state = $1 AND forget_at > now() RETURNING `+pendingColumns, state)
	var p domain.PendingLogin
	err := row.Scan(&p.LoginID, &p.State, &p.Nonce, &p.CodeVerifier, &p.TenantHint, &p.LoginHint,
		&p.SourceAddr, &p.ReturnTo, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

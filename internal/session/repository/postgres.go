package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"dineops/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, tenant_id, family_id, email, roles, state, created_at, last_active_at,
expires_at, absolute_expires_at, refresh_token_hash, previous_refresh_hashes, device_fingerprint,
source_addr, revoked_at, revoke_reason, version`

// PostgresRepository implements Repository using database/sql with the pgx driver.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts s. Returns ErrExists on a duplicate id.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	roles, prev, err := encodeLists(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16, $17, $18)`,
		s.ID, s.UserID, s.TenantID, s.FamilyID, s.Email, roles, string(s.State), s.CreatedAt, s.LastActiveAt,
		s.ExpiresAt, s.AbsoluteExpiresAt, s.RefreshTokenHash, prev, s.DeviceFingerprint,
		s.SourceAddr, nullTime(s), s.RevokeReason, s.Version)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

// Get returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and writes it back in one transaction.
func (r *PostgresRepository) Update(ctx context.Context, id string, fn MutateFunc) (*domain.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.Version++
	roles, prev, err := encodeLists(s)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET state = $2, last_active_at = $3, expires_at = $4,
refresh_token_hash = $5, previous_refresh_hashes = $6::jsonb, roles = $7::jsonb, revoked_at = $8,
revoke_reason = $9, version = $10 WHERE id = $1`,
		s.ID, string(s.State), s.LastActiveAt, s.ExpiresAt, s.RefreshTokenHash, prev, roles,
		nullTime(s), s.RevokeReason, s.Version)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

// ListFamily returns the ids of sessions in the family.
func (r *PostgresRepository) ListFamily(ctx context.Context, familyID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM sessions WHERE family_id = $1 ORDER BY created_at`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s         domain.Session
		roles     []byte
		prev      []byte
		state     string
		revokedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TenantID, &s.FamilyID, &s.Email, &roles, &state, &s.CreatedAt,
		&s.LastActiveAt, &s.ExpiresAt, &s.AbsoluteExpiresAt, &s.RefreshTokenHash, &prev, &s.DeviceFingerprint,
		&s.SourceAddr, &revokedAt, &s.RevokeReason, &s.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.State = domain.State(state)
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &s.Roles); err != nil {
			return nil, err
		}
	}
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &s.PreviousRefreshHashes); err != nil {
			return nil, err
		}
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return &s, nil
}

func encodeLists(s *domain.Session) (string, string, error) {
	roles, err := json.Marshal(nonNil(s.Roles))
	if err != nil {
		return "", "", err
	}
	prev, err := json.Marshal(nonNil(s.PreviousRefreshHashes))
	if err != nil {
		return "", "", err
	}
	return string(roles), string(prev), nil
}

func nullTime(s *domain.Session) sql.NullTime {
	if s.RevokedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *s.RevokedAt, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

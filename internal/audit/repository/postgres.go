package repository

import (
	"context"
	"database/sql"

	"dineops/backend/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an auth event repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts one event. The auth_events table has no UPDATE or DELETE path in this service.
func (r *PostgresRepository) Append(ctx context.Context, e *domain.AuthEvent) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO auth_events
(id, occurred_at, user_id, tenant_id, session_id, kind, outcome, source_addr, reason, detail)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Timestamp, e.UserID, e.TenantID, nullString(e.SessionID), string(e.Kind), string(e.Outcome),
		e.SourceAddr, nullString(e.Reason), nullString(e.Detail))
	return err
}

// ListByTenant returns events for the tenant, newest first. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuthEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, occurred_at, user_id, tenant_id, session_id, kind, outcome, source_addr, reason
FROM auth_events WHERE tenant_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuthEvent
	for rows.Next() {
		var (
			e                 domain.AuthEvent
			sessionID, reason sql.NullString
			kind, outcome     string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.TenantID, &sessionID, &kind, &outcome, &e.SourceAddr, &reason); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.Reason = reason.String
		e.Kind = domain.Kind(kind)
		e.Outcome = domain.Outcome(outcome)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"dineops/backend/internal/user/domain"
)

var userCols = []string{"id", "external_subject", "tenant_id", "email", "name", "roles", "status", "created_at", "updated_at"}

func TestPostgresRepository_GetByExternalSubject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE tenant_id = $1 AND external_subject = $2")).
		WithArgs("t1", "oid-1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "oid-1", "t1", "chef@example.com", "Chef", []byte(`["staff","manager"]`), "active", now, now))

	r := NewPostgresRepository(db)
	u, err := r.GetByExternalSubject(context.Background(), "t1", "oid-1")
	if err != nil {
		t.Fatalf("GetByExternalSubject: %v", err)
	}
	if u == nil || u.ID != "u1" || len(u.Roles) != 2 || u.Roles[1] != "manager" {
		t.Fatalf("user = %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresRepository_GetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	u, err := NewPostgresRepository(db).GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil user, got %+v", u)
	}
}

func TestPostgresRepository_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (tenant_id, external_subject) DO UPDATE")).
		WithArgs("u-new", "oid-1", "t1", "chef@example.com", "Chef", `["staff"]`, "active", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u-existing", "oid-1", "t1", "chef@example.com", "Chef", []byte(`["staff"]`), "active", now, now))

	u, err := NewPostgresRepository(db).Upsert(context.Background(), &domain.User{
		ID: "u-new", ExternalSubject: "oid-1", TenantID: "t1", Email: "chef@example.com", Name: "Chef",
		Roles: []string{"staff"}, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if u.ID != "u-existing" {
		t.Errorf("ID = %q, want id returned by the database", u.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

package repository

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"dineops/backend/internal/session/domain"
)

func newSession(id, family string) *domain.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Session{
		ID:                id,
		UserID:            "user-1",
		TenantID:          "tenant-a",
		FamilyID:          family,
		Email:             "chef@example.com",
		Roles:             []string{"staff"},
		State:             domain.StateActive,
		CreatedAt:         now,
		LastActiveAt:      now,
		ExpiresAt:         now.Add(time.Hour),
		AbsoluteExpiresAt: now.Add(8 * time.Hour),
		RefreshTokenHash:  "hash-0",
	}
}

func repos(t *testing.T) map[string]Repository {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"redis":  NewRedisRepository(client, "test:"),
	}
}

func TestRepository_CreateGet(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newSession("s1", "f1")
			if err := r.Create(ctx, s); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := r.Create(ctx, s); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate Create: %v, want ErrExists", err)
			}
			got, err := r.Get(ctx, "s1")
			if err != nil || got == nil {
				t.Fatalf("Get = %v, %v", got, err)
			}
			if got.UserID != "user-1" || len(got.Roles) != 1 || !got.ExpiresAt.Equal(s.ExpiresAt) {
				t.Fatalf("got %+v", got)
			}
			missing, err := r.Get(ctx, "nope")
			if err != nil || missing != nil {
				t.Fatalf("missing Get = %v, %v; want nil, nil", missing, err)
			}
		})
	}
}

func TestRepository_UpdateAbortAndNotFound(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = r.Create(ctx, newSession("s1", ""))
			abort := errors.New("abort")
			_, err := r.Update(ctx, "s1", func(s *domain.Session) error {
				s.State = domain.StateRevoked
				return abort
			})
			if !errors.Is(err, abort) {
				t.Fatalf("Update err = %v", err)
			}
			got, _ := r.Get(ctx, "s1")
			if got.State != domain.StateActive {
				t.Fatal("aborted update was written")
			}
			if _, err := r.Update(ctx, "nope", func(*domain.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing Update: %v", err)
			}
		})
	}
}

func TestRepository_ConcurrentUpdatesSerialize(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = r.Create(ctx, newSession("s1", ""))
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := r.Update(ctx, "s1", func(s *domain.Session) error {
						s.PreviousRefreshHashes = append(s.PreviousRefreshHashes, s.RefreshTokenHash)
						return nil
					})
					if err != nil && !errors.Is(err, ErrConflict) {
						t.Errorf("Update: %v", err)
					}
				}()
			}
			wg.Wait()
			got, _ := r.Get(ctx, "s1")
			if int64(len(got.PreviousRefreshHashes)) != got.Version {
				t.Fatalf("lost update: %d hashes, version %d", len(got.PreviousRefreshHashes), got.Version)
			}
		})
	}
}

func TestRepository_ListFamily(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = r.Create(ctx, newSession("a", "fam"))
			_ = r.Create(ctx, newSession("b", "fam"))
			_ = r.Create(ctx, newSession("c", "other"))
			ids, err := r.ListFamily(ctx, "fam")
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 2 {
				t.Fatalf("family = %v", ids)
			}
		})
	}
}

func TestMemoryRepository_SweepDropsLongExpiredSessions(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	old := newSession("old", "f1")
	old.AbsoluteExpiresAt = time.Now().Add(-25 * time.Hour)
	recent := newSession("recent", "f1")
	recent.AbsoluteExpiresAt = time.Now().Add(-time.Hour)
	live := newSession("live", "f2")
	for _, s := range []*domain.Session{old, recent, live} {
		if err := r.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Update(ctx, "old", func(s *domain.Session) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if n := r.Sweep(time.Now()); n != 2 {
		t.Fatalf("remaining = %d, want 2", n)
	}
	if got, _ := r.Get(ctx, "old"); got != nil {
		t.Fatal("old session survived sweep")
	}
	if got, _ := r.Get(ctx, "recent"); got == nil {
		t.Fatal("recently expired session swept; late presentations must still see it")
	}
	if _, ok := r.locks.Load("old"); ok {
		t.Error("lock for swept session kept")
	}
	if ids, _ := r.ListFamily(ctx, "f1"); len(ids) != 1 || ids[0] != "recent" {
		t.Errorf("family f1 = %v", ids)
	}
	if _, err := r.Update(ctx, "old", func(s *domain.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update after sweep = %v, want ErrNotFound", err)
	}
}

func TestRedisRepository_KeyTTLOutlivesAbsoluteExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewRedisRepository(client, "dineops:")
	ctx := context.Background()
	s := newSession("ttl", "")
	if err := r.Create(ctx, s); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("dineops:session:ttl"); ttl < 8*time.Hour {
		t.Fatalf("TTL = %v, want past absolute expiry", ttl)
	}
	if _, err := r.Update(ctx, "ttl", func(s *domain.Session) error { s.State = domain.StateRevoked; return nil }); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("dineops:session:ttl"); ttl < 8*time.Hour {
		t.Fatalf("Update dropped the TTL: %v", ttl)
	}
}

func TestPostgresRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	r := NewPostgresRepository(db)
	ctx := context.Background()
	s := newSession("pg", "fam")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sessions`)).
		WithArgs(s.ID, s.UserID, s.TenantID, s.FamilyID, s.Email, `["staff"]`, "active", s.CreatedAt, s.LastActiveAt,
			s.ExpiresAt, s.AbsoluteExpiresAt, s.RefreshTokenHash, `[]`, "", "", nil, "", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := r.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cols := []string{"id", "user_id", "tenant_id", "family_id", "email", "roles", "state", "created_at", "last_active_at",
		"expires_at", "absolute_expires_at", "refresh_token_hash", "previous_refresh_hashes", "device_fingerprint",
		"source_addr", "revoked_at", "revoke_reason", "version"}
	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(cols).AddRow(s.ID, s.UserID, s.TenantID, s.FamilyID, s.Email, []byte(`["staff"]`), "active",
			s.CreatedAt, s.LastActiveAt, s.ExpiresAt, s.AbsoluteExpiresAt, s.RefreshTokenHash, []byte(`[]`), "", "", nil, "", int64(0))
	}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE id = $1`)).WithArgs("pg").WillReturnRows(row())
	got, err := r.Get(ctx, "pg")
	if err != nil || got == nil || got.Roles[0] != "staff" || got.State != domain.StateActive {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs("pg").WillReturnRows(row())
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET state = $2`)).
		WithArgs("pg", "revoked", sqlmock.AnyArg(), sqlmock.AnyArg(), s.RefreshTokenHash, `[]`, `["staff"]`,
			sqlmock.AnyArg(), domain.ReasonLogout, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	updated, err := r.Update(ctx, "pg", func(s *domain.Session) error {
		now := time.Now()
		s.State, s.RevokedAt, s.RevokeReason = domain.StateRevoked, &now, domain.ReasonLogout
		return nil
	})
	if err != nil || updated.Version != 1 {
		t.Fatalf("Update = %+v, %v", updated, err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs("pg").WillReturnRows(row())
	mock.ExpectRollback()
	abort := errors.New("abort")
	if _, err := r.Update(ctx, "pg", func(*domain.Session) error { return abort }); !errors.Is(err, abort) {
		t.Fatalf("aborted Update: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs("gone").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectRollback()
	if _, err := r.Update(ctx, "gone", func(*domain.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing Update: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM sessions WHERE family_id = $1`)).WithArgs("fam").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pg").AddRow("pg2"))
	ids, err := r.ListFamily(ctx, "fam")
	if err != nil || len(ids) != 2 {
		t.Fatalf("ListFamily = %v, %v", ids, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

package repository

import (
	"context"
	"errors"

	"dineops/backend/internal/session/domain"
)

var (
	// ErrNotFound is returned by Update when no session has the id.
	ErrNotFound = errors.New("session: not found")
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("session: concurrent update conflict")
	// ErrExists is returned by Create when the id is taken.
	ErrExists = errors.New("session: already exists")
)

// MutateFunc changes a session inside Update. Returning an error aborts the update
// without writing; the error is returned from Update unchanged. A MutateFunc may run
// more than once for one Update and must not keep state between runs.
type MutateFunc func(s *domain.Session) error

// Repository stores sessions keyed by id. Update is an atomic read-modify-write per id:
// concurrent Updates of one session are serialized and each sees the previous one's write.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	// Get returns the session for id, or nil if not found.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Update applies fn to the stored session and persists the result, returning it.
	Update(ctx context.Context, id string, fn MutateFunc) (*domain.Session, error)
	// ListFamily returns the ids of every session in the family.
	ListFamily(ctx context.Context, familyID string) ([]string, error)
}

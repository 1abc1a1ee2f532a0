package repository

import (
	"context"
	"sync"
	"time"

	"dineops/backend/internal/session/domain"
)

// MemoryRepository keeps sessions in process memory with a mutex per session id.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	families map[string][]string
	locks    sync.Map // id -> *sync.Mutex
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: map[string]*domain.Session{},
		families: map[string][]string{},
	}
}

func (r *MemoryRepository) lock(id string) *sync.Mutex {
	m, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Create stores a copy of s.
func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrExists
	}
	r.sessions[s.ID] = s.Clone()
	if s.FamilyID != "" {
		r.families[s.FamilyID] = append(r.families[s.FamilyID], s.ID)
	}
	return nil
}

// Get returns a copy of the session for id, or nil if not found.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

// Update applies fn under the session's lock.
func (r *MemoryRepository) Update(ctx context.Context, id string, fn MutateFunc) (*domain.Session, error) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNotFound
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.Version++
	r.mu.Lock()
	r.sessions[id] = cur.Clone()
	r.mu.Unlock()
	return cur, nil
}

// ListFamily returns the ids in the family.
func (r *MemoryRepository) ListFamily(ctx context.Context, familyID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.families[familyID]...), nil
}

// Sweep drops sessions whose absolute expiry passed more than a day before now, and
// returns how many remain.
func (r *MemoryRepository) Sweep(now time.Time) int {
	cutoff := now.Add(-retainAfterExpiry)
	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.AbsoluteExpiresAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		l := r.lock(id)
		l.Lock()
		r.mu.Lock()
		if s, ok := r.sessions[id]; ok && s.AbsoluteExpiresAt.Before(cutoff) {
			delete(r.sessions, id)
			r.dropFromFamily(s.FamilyID, id)
		}
		r.mu.Unlock()
		r.locks.Delete(id)
		l.Unlock()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// dropFromFamily must be called with r.mu held.
func (r *MemoryRepository) dropFromFamily(familyID, id string) {
	ids := r.families[familyID]
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(r.families, familyID)
		return
	}
	r.families[familyID] = kept
}

// Run sweeps once a minute until ctx is done.
func (r *MemoryRepository) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.Sweep(now)
		}
	}
}

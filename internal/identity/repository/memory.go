package repository

import (
	"context"
	"sync"
	"time"

	"dineops/backend/internal/identity/domain"
)

type memPending struct {
	p        domain.PendingLogin
	forgetAt time.Time
}

// MemoryPendingStore keeps attempts in process memory.
type MemoryPendingStore struct {
	mu  sync.Mutex
	m   map[string]memPending
	now func() time.Time
}

// NewMemoryPendingStore returns an empty MemoryPendingStore.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{m: map[string]memPending{}, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (s *MemoryPendingStore) WithClock(now func() time.Time) *MemoryPendingStore {
	s.now = now
	return s
}

// Save stores a copy of p and prunes forgotten attempts.
func (s *MemoryPendingStore) Save(ctx context.Context, p *domain.PendingLogin, retain time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if !now.Before(v.forgetAt) {
			delete(s.m, k)
		}
	}
	s.m[p.State] = memPending{p: *p, forgetAt: now.Add(retain)}
	return nil
}

// Take removes and returns the attempt for state.
func (s *MemoryPendingStore) Take(ctx context.Context, state string) (*domain.PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[state]
	if !ok {
		return nil, nil
	}
	delete(s.m, state)
	if !s.now().Before(v.forgetAt) {
		return nil, nil
	}
	p := v.p
	return &p, nil
}

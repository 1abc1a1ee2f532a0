package lockout

import (
	"context"
	"sync"
	"time"
)

type memRecord struct {
	failures    []time.Time
	lockedUntil time.Time
}

// MemoryCounter is an in-process Counter.
type MemoryCounter struct {
	mu    sync.Mutex
	items map[string]*memRecord
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{items: make(map[string]*memRecord)}
}

func (c *MemoryCounter) record(key string) *memRecord {
	r, ok := c.items[key]
	if !ok {
		r = &memRecord{}
		c.items[key] = r
	}
	return r
}

func (c *MemoryCounter) AddFailure(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.record(key)
	cutoff := at.Add(-window)
	kept := r.failures[:0]
	for _, f := range r.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	r.failures = append(kept, at)
	return len(r.failures), nil
}

func (c *MemoryCounter) Count(ctx context.Context, key string, since time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[key]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, f := range r.failures {
		if f.After(since) {
			n++
		}
	}
	return n, nil
}

func (c *MemoryCounter) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.items[key]; ok {
		r.failures = nil
		if r.lockedUntil.IsZero() {
			delete(c.items, key)
		}
	}
	return nil
}

func (c *MemoryCounter) Lock(ctx context.Context, key string, until time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.record(key)
	r.lockedUntil = until
	r.failures = nil
	return nil
}

func (c *MemoryCounter) LockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[key]
	if !ok || !now.Before(r.lockedUntil) {
		return time.Time{}, false, nil
	}
	return r.lockedUntil, true, nil
}

// Sweep drops keys with no failure inside window and no active lock, and returns how
// many remain.
func (c *MemoryCounter) Sweep(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, r := range c.items {
		if now.Before(r.lockedUntil) {
			continue
		}
		recent := false
		for _, f := range r.failures {
			if f.After(cutoff) {
				recent = true
				break
			}
		}
		if !recent {
			delete(c.items, k)
		}
	}
	return len(c.items)
}

// Run sweeps once a minute until ctx is done.
func (c *MemoryCounter) Run(ctx context.Context, window time.Duration) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.Sweep(now, window)
		}
	}
}

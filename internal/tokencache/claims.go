package tokencache

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"dineops/backend/internal/security"
)

type claimsEntry struct {
	claims    jwt.MapClaims
	expiresAt time.Time
}

// ClaimsCache holds recently validated ID-token claims keyed by the SHA-256 of the raw
// token, so repeated verification of the same token skips signature checks. Entries
// expire after the configured TTL or at the token's own expiry, whichever is first.
type ClaimsCache struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	cache *lru.Cache[string, claimsEntry]
}

// NewClaimsCache returns a cache holding at most size entries for ttl each.
func NewClaimsCache(size int, ttl time.Duration) (*ClaimsCache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, claimsEntry](size)
	if err != nil {
		return nil, err
	}
	return &ClaimsCache{ttl: ttl, now: time.Now, cache: c}, nil
}

// WithClock replaces the time source. Used by tests.
func (c *ClaimsCache) WithClock(now func() time.Time) *ClaimsCache {
	c.now = now
	return c
}

// Get returns cached claims for rawToken.
func (c *ClaimsCache) Get(rawToken string) (jwt.MapClaims, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	key := security.HashToken(rawToken)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return e.claims, true
}

// Put caches claims for rawToken until min(now+TTL, tokenExp). Tokens already expired are not cached.
func (c *ClaimsCache) Put(rawToken string, claims jwt.MapClaims, tokenExp time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	now := c.now()
	expiresAt := now.Add(c.ttl)
	if !tokenExp.IsZero() && tokenExp.Before(expiresAt) {
		expiresAt = tokenExp
	}
	if !now.Before(expiresAt) {
		return
	}
	c.mu.Lock()
	c.cache.Add(security.HashToken(rawToken), claimsEntry{claims: claims, expiresAt: expiresAt})
	c.mu.Unlock()
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *ClaimsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

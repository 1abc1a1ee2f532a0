// Package tokencache caches identity-provider signing keys and recently validated
// ID-token claims.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dineops/backend/internal/logger"
)

// maxJWKSBytes limits the JWKS response body.
const maxJWKSBytes = 1 << 20

// minBackgroundWait is the shortest sleep of the background refresh loop.
const minBackgroundWait = 50 * time.Millisecond

var (
	// ErrKeyNotFound is returned when no current or overlapping key has the requested kid.
	ErrKeyNotFound = errors.New("tokencache: signing key not found")
	// ErrFetch wraps JWKS fetch failures after retries are exhausted.
	ErrFetch = errors.New("tokencache: jwks fetch failed")
)

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	JWKSURL    string
	HTTPClient *http.Client
	// TTL is how long a fetched key set is served before it must be refetched.
	TTL time.Duration
	// RefreshAhead is how long before TTL expiry the background loop refetches.
	RefreshAhead time.Duration
	// RotationOverlap is how long a key removed from the provider's set stays usable.
	RotationOverlap time.Duration
	// MinRefreshInterval limits forced refetches triggered by unknown key ids.
	MinRefreshInterval time.Duration
	// MaxRetries is the number of retries after a failed fetch attempt.
	MaxRetries int
}

type retiredKey struct {
	key   any
	until time.Time
}

// KeyCache serves verification keys by kid from the provider's JWKS. Concurrent misses
// share one upstream fetch. It is safe for concurrent use.
type KeyCache struct {
	cfg   KeyCacheConfig
	now   func() time.Time
	group singleflight.Group

	mu         sync.RWMutex
	current    map[string]any
	retired    map[string]retiredKey
	fetchedAt  time.Time
	lastForced time.Time
}

// NewKeyCache returns an empty KeyCache. Keys are fetched on first use; call Run to
// refresh in the background.
func NewKeyCache(cfg KeyCacheConfig) *KeyCache {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &KeyCache{
		cfg:     cfg,
		now:     time.Now,
		current: map[string]any{},
		retired: map[string]retiredKey{},
	}
}

// WithClock replaces the time source. Used by tests.
func (c *KeyCache) WithClock(now func() time.Time) *KeyCache {
	c.now = now
	return c
}

// Key returns the public key for kid. A stale set is refetched first. A kid missing from
// a fresh set triggers at most one forced refetch per MinRefreshInterval. Keys rotated
// out remain available until their overlap window ends.
func (c *KeyCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && now.Before(c.fetchedAt.Add(c.cfg.TTL))
	key, ok := c.lookupLocked(kid, now)
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if fresh && !c.allowForcedRefresh(now) {
		return nil, ErrKeyNotFound
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.lookupLocked(kid, c.now())
	c.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// Refresh fetches the key set now. Concurrent callers share one fetch.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		keys, err := c.fetchWithRetry(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.install(keys)
		return nil, nil
	})
	return err
}

// Run refreshes the key set before it expires until ctx is done.
func (c *KeyCache) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(c.nextRefreshIn())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := c.Refresh(ctx); err != nil {
			logger.Log.Warn("tokencache: background jwks refresh failed", zap.Error(err))
			wait := c.cfg.MinRefreshInterval
			if wait <= 0 {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (c *KeyCache) nextRefreshIn() time.Duration {
	c.mu.RLock()
	fetchedAt := c.fetchedAt
	c.mu.RUnlock()
	if fetchedAt.IsZero() {
		return 0
	}
	wait := fetchedAt.Add(c.cfg.TTL - c.cfg.RefreshAhead).Sub(c.now())
	if wait < minBackgroundWait {
		wait = minBackgroundWait
	}
	return wait
}

func (c *KeyCache) lookupLocked(kid string, now time.Time) (any, bool) {
	if k, ok := c.current[kid]; ok {
		return k, true
	}
	if r, ok := c.retired[kid]; ok && now.Before(r.until) {
		return r.key, true
	}
	return nil, false
}

func (c *KeyCache) allowForcedRefresh(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastForced.IsZero() && now.Sub(c.lastForced) < c.cfg.MinRefreshInterval {
		return false
	}
	c.lastForced = now
	return true
}

// install replaces the current key set. Keys no longer published move to the retired
// set for the rotation overlap.
func (c *KeyCache) install(keys map[string]any) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for kid, k := range c.current {
		if _, still := keys[kid]; !still {
			c.retired[kid] = retiredKey{key: k, until: now.Add(c.cfg.RotationOverlap)}
			logger.Log.Info("tokencache: signing key rotated out", zap.String("kid", kid),
				zap.Duration("overlap", c.cfg.RotationOverlap))
		}
	}
	for kid, r := range c.retired {
		if _, back := keys[kid]; back || !now.Before(r.until) {
			delete(c.retired, kid)
		}
	}
	c.current = keys
	c.fetchedAt = now
}

func (c *KeyCache) fetchWithRetry(ctx context.Context) (map[string]any, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	keys, err := backoff.Retry(ctx, func() (map[string]any, error) {
		return c.fetch(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)), // #nosec G115 -- includes the initial attempt
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return keys, nil
}

// fetch downloads and parses the JWKS. Client errors (4xx) and malformed sets are not retried.
func (c *KeyCache) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.JWKSURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, err
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse jwks: %w", err))
	}

	keys := make(map[string]any, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, ok := key.KeyID()
		if !ok || kid == "" {
			continue
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			logger.Log.Warn("tokencache: skipping unusable jwk", zap.String("kid", kid), zap.Error(err))
			continue
		}
		keys[kid] = raw
	}
	return keys, nil
}

// Package lockout counts authentication failures per identity or source address in a
// sliding window and locks keys that reach the threshold.
//
// The counter is separate from durable audit storage so the hot-path check stays a
// single keyed lookup.
package lockout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dineops/backend/internal/autherr"
	"dineops/backend/internal/logger"
)

// Counter stores sliding-window failure counts and lock expiries.
type Counter interface {
	// AddFailure records a failure at `at`, drops failures older than at-window, and
	// returns the number of failures remaining in the window.
	AddFailure(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
	// Count returns the number of failures recorded after since.
	Count(ctx context.Context, key string, since time.Time) (int, error)
	// Reset removes the failure history for key. Locks are left in place.
	Reset(ctx context.Context, key string) error
	// Lock locks key until the given time.
	Lock(ctx context.Context, key string, until time.Time) error
	// LockedUntil returns the lock expiry and true when key is locked at now.
	LockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
}

// Policy configures when a key is locked and for how long.
type Policy struct {
	// Threshold is the number of failures within Window that locks the key.
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// UserKey is the lockout key for a user identifier (login hint or user id).
func UserKey(id string) string { return "user:" + id }

// AddrKey is the lockout key for a client source address.
func AddrKey(addr string) string { return "addr:" + addr }

// Lockout applies a Policy over a Counter.
type Lockout struct {
	counter Counter
	policy  Policy
	now     func() time.Time
}

// New returns a Lockout enforcing policy with failures stored in counter.
func New(counter Counter, policy Policy) *Lockout {
	return &Lockout{counter: counter, policy: policy, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (l *Lockout) WithClock(now func() time.Time) *Lockout {
	l.now = now
	return l
}

// Check returns autherr.ErrRateLimited if any key is locked, independent of whether the
// current attempt would succeed. Store failures deny with autherr.ErrInternal.
func (l *Lockout) Check(ctx context.Context, keys ...string) error {
	now := l.now()
	for _, k := range keys {
		if k == "" {
			continue
		}
		_, locked, err := l.counter.LockedUntil(ctx, k, now)
		if err != nil {
			logger.Log.Error("lockout: check failed", zap.String("key", k), zap.Error(err))
			return autherr.ErrInternal
		}
		if locked {
			return autherr.ErrRateLimited
		}
	}
	return nil
}

// Fail records a failure against each key and locks keys whose count within the window
// reached the threshold. Returns the keys that became locked by this call.
func (l *Lockout) Fail(ctx context.Context, keys ...string) ([]string, error) {
	now := l.now()
	var locked []string
	for _, k := range keys {
		if k == "" {
			continue
		}
		n, err := l.counter.AddFailure(ctx, k, now, l.policy.Window)
		if err != nil {
			return locked, err
		}
		if n < l.policy.Threshold {
			continue
		}
		if _, already, err := l.counter.LockedUntil(ctx, k, now); err == nil && already {
			continue
		}
		if err := l.counter.Lock(ctx, k, now.Add(l.policy.Duration)); err != nil {
			return locked, err
		}
		locked = append(locked, k)
	}
	return locked, nil
}

// Succeed clears failure history for the keys after a successful authentication.
func (l *Lockout) Succeed(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if err := l.counter.Reset(ctx, k); err != nil {
			logger.Log.Warn("lockout: reset failed", zap.String("key", k), zap.Error(err))
		}
	}
}

// RecentFailureCount returns failures recorded for key within window of now.
func (l *Lockout) RecentFailureCount(ctx context.Context, key string, window time.Duration) (int, error) {
	return l.counter.Count(ctx, key, l.now().Add(-window))
}

// Package health reports readiness of the stores this service depends on.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

// Report is the result of one readiness run. Failed holds the names of failing checks.
type Report struct {
	OK     bool     `json:"ok"`
	Failed []string `json:"failed,omitempty"`
}

// Checker runs named readiness checks, each bounded by timeout.
type Checker struct {
	timeout time.Duration
	mu      sync.RWMutex
	checks  map[string]CheckFunc
}

// NewChecker returns a Checker with no checks; it reports OK until checks are added.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{timeout: timeout, checks: map[string]CheckFunc{}}
}

// Add registers a check under name.
func (c *Checker) Add(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
}

// AddPinger registers p under name.
func (c *Checker) AddPinger(name string, p Pinger) {
	c.Add(name, p.PingContext)
}

// Check runs every check concurrently.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := fn(cctx); err != nil {
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	sort.Strings(failed)
	return Report{OK: len(failed) == 0, Failed: failed}
}

// Sync runs Check every interval and mirrors the result into hs until ctx is done.
func (c *Checker) Sync(ctx context.Context, hs *health.Server, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if !c.Check(ctx).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

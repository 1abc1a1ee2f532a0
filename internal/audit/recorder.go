// Package audit records authentication and authorization events.
//
// Record never blocks the request path: events go through a bounded buffer drained by
// worker goroutines into the configured sinks. Critical events (revocations, refresh
// replay, lockouts) skip the buffer and are written synchronously with bounded retries.
// Failure events also feed the lockout counter before Record returns, so lockout
// decisions never wait on durable storage.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"dineops/backend/internal/audit/domain"
	"dineops/backend/internal/audit/lockout"
	"dineops/backend/internal/logger"
)

// writeTimeout is the max time allowed for a single sink write.
const writeTimeout = 5 * time.Second

// criticalWriteTries bounds synchronous retries for critical events per sink.
const criticalWriteTries = 3

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("audit: recorder closed")

// Sink receives recorded events.
type Sink interface {
	Write(ctx context.Context, e *domain.AuthEvent) error
}

// Recorder is the asynchronous audit log. It is safe for concurrent use.
type Recorder struct {
	sinks   []Sink
	lockout *lockout.Lockout
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *domain.AuthEvent
	wg     sync.WaitGroup

	recorded metric.Int64Counter
	dropped  metric.Int64Counter
	lockouts metric.Int64Counter
}

// Options configures a Recorder.
type Options struct {
	// BufferSize is the queue capacity for non-critical events.
	BufferSize int
	// Workers is the number of goroutines writing queued events to sinks.
	Workers int
	// Lockout receives failure events; may be nil.
	Lockout *lockout.Lockout
}

// NewRecorder starts a Recorder writing to sinks. Call Close to drain and stop workers.
func NewRecorder(opts Options, sinks ...Sink) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	meter := otel.Meter("dineops/backend/internal/audit")
	r := &Recorder{
		sinks:   sinks,
		lockout: opts.Lockout,
		now:     time.Now,
		queue:   make(chan *domain.AuthEvent, opts.BufferSize),
	}
	r.recorded, _ = meter.Int64Counter("auth.events.recorded")
	r.dropped, _ = meter.Int64Counter("auth.events.dropped")
	r.lockouts, _ = meter.Int64Counter("auth.lockouts")
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// WithClock replaces the time source used to stamp events. Used by tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends e to the audit log. It assigns ID and Timestamp when unset, and
// SourceAddr from ctx (see WithSourceAddr).
// Failure events with LockoutKeys count against those keys; a key reaching the
// threshold is locked and a lockout event is written synchronously.
func (r *Recorder) Record(ctx context.Context, e *domain.AuthEvent) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if e.ID == "" {
		e.ID = newEventID(e.Timestamp)
	}
	if e.UserID == "" {
		e.UserID = domain.UnknownUser
	}
	if e.SourceAddr == "" {
		e.SourceAddr = SourceAddrFrom(ctx)
	}

	if e.Outcome == domain.OutcomeFailure && len(e.LockoutKeys) > 0 && r.lockout != nil {
		r.countFailure(ctx, e)
	}

	if e.Critical() {
		r.writeCritical(ctx, e)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(ctx, e)
		return
	}
	select {
	case r.queue <- e:
	default:
		r.drop(ctx, e)
	}
}

// RecentFailureCount returns the number of failures for identityKey within window.
// Returns 0 when no lockout counter is configured.
func (r *Recorder) RecentFailureCount(ctx context.Context, identityKey string, window time.Duration) (int, error) {
	if r.lockout == nil {
		return 0, nil
	}
	return r.lockout.RecentFailureCount(ctx, identityKey, window)
}

// CheckLockout returns autherr.ErrRateLimited if any key is locked. Returns nil when no
// lockout counter is configured.
func (r *Recorder) CheckLockout(ctx context.Context, keys ...string) error {
	if r.lockout == nil {
		return nil
	}
	return r.lockout.Check(ctx, keys...)
}

// ClearFailures resets failure history after a successful authentication.
func (r *Recorder) ClearFailures(ctx context.Context, keys ...string) {
	if r.lockout == nil {
		return
	}
	r.lockout.Succeed(ctx, keys...)
}

// Close stops accepting queued events and waits for workers to drain the buffer or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) countFailure(ctx context.Context, e *domain.AuthEvent) {
	locked, err := r.lockout.Fail(ctx, e.LockoutKeys...)
	if err != nil {
		logger.Log.Error("audit: lockout counter failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
	for _, key := range locked {
		r.lockouts.Add(ctx, 1)
		r.writeCritical(ctx, &domain.AuthEvent{
			ID:         newEventID(e.Timestamp),
			Timestamp:  e.Timestamp,
			UserID:     e.UserID,
			TenantID:   e.TenantID,
			Kind:       domain.KindLockout,
			Outcome:    domain.OutcomeLocked,
			SourceAddr: e.SourceAddr,
			Detail:     key,
		})
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := s.Write(ctx, e); err != nil {
				logger.Log.Warn("audit: sink write failed",
					zap.String("event_id", e.ID), zap.String("kind", string(e.Kind)), zap.Error(err))
			}
			cancel()
		}
		r.recorded.Add(context.Background(), 1, kindAttrs(e))
	}
}

// writeCritical writes e to every sink before returning. The request context's
// cancellation is ignored so a disconnecting client cannot suppress the record.
func (r *Recorder) writeCritical(ctx context.Context, e *domain.AuthEvent) {
	base := context.WithoutCancel(ctx)
	for _, s := range r.sinks {
		_, err := backoff.Retry(base, func() (struct{}, error) {
			wctx, cancel := context.WithTimeout(base, writeTimeout)
			defer cancel()
			return struct{}{}, s.Write(wctx, e)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(criticalWriteTries),
			backoff.WithMaxElapsedTime(3*writeTimeout),
		)
		if err != nil {
			logger.Log.Error("audit: critical event write failed",
				zap.String("event_id", e.ID), zap.String("kind", string(e.Kind)),
				zap.String("session_id", e.SessionID), zap.Error(err))
		}
	}
	r.recorded.Add(base, 1, kindAttrs(e))
}

func (r *Recorder) drop(ctx context.Context, e *domain.AuthEvent) {
	r.dropped.Add(ctx, 1, kindAttrs(e))
	logger.Log.Debug("audit: event dropped", zap.String("kind", string(e.Kind)))
}

func kindAttrs(e *domain.AuthEvent) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("kind", string(e.Kind)),
		attribute.String("outcome", string(e.Outcome)),
	)
}

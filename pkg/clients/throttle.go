// Package clients provides the shared remote-call layer: a throttle that
// wraps every platform API call with retry/backoff and a bounded
// concurrency-and-spacing admission gate, plus the HTTP GraphQL transport.
package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/metrics"
)

// ThrottleConfig configures the admission gate and retry behavior.
type ThrottleConfig struct {
	// MaxInFlight caps the number of concurrently admitted calls.
	MaxInFlight int
	// MinSpacing is the minimum interval between call dispatches. Together
	// with MaxInFlight it approximates the platform's cost-based rate limit
	// at a fixed rate, without parsing cost headers.
	MinSpacing time.Duration
	// Retry is the backoff policy applied to retryable failures.
	Retry *RetryPolicy
}

// DefaultThrottleConfig returns a gate sized for the platform's default
// API budget: at most 5 calls in flight, spaced 100ms apart.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MaxInFlight: 5,
		MinSpacing:  100 * time.Millisecond,
		Retry:       DefaultRetryPolicy(),
	}
}

// ThrottleStats reports cumulative throttle activity.
type ThrottleStats struct {
	Admitted  int64 `json:"admitted"`
	Retries   int64 `json:"retries"`
	Exhausted int64 `json:"exhausted"`
}

// Throttle wraps remote calls with exponential backoff on retryable
// failures and a bounded-concurrency, fixed-spacing admission gate.
//
// Retryable failures (rate-limit signals, transient network faults, request
// timeouts) are retried with exponentially growing, jittered delay up to the
// policy's attempt budget; once exhausted the last error is surfaced
// unchanged. Fatal failures are surfaced immediately. No state survives a
// call except the admission queue.
type Throttle struct {
	cfg    ThrottleConfig
	sem    chan struct{}
	logger *zap.Logger

	mu   sync.Mutex
	next time.Time // earliest permitted next dispatch

	admitted  int64
	retries   int64
	exhausted int64
}

// NewThrottle creates a throttle with the given configuration.
func NewThrottle(cfg ThrottleConfig, logger *zap.Logger) *Throttle {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultThrottleConfig().MaxInFlight
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Throttle{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxInFlight),
		logger: logger.With(zap.String("component", "throttle")),
	}
}

// Do executes fn under the admission gate, retrying retryable failures per
// the configured policy. The op label identifies the call in logs and
// metrics. Context cancellation aborts waiting immediately.
func (t *Throttle) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < t.cfg.Retry.MaxAttempts; attempt++ {
		err := t.dispatch(ctx, op, fn)
		if err == nil {
			return nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}

		if attempt == t.cfg.Retry.MaxAttempts-1 {
			break
		}

		delay := t.cfg.Retry.Delay(attempt)
		atomic.AddInt64(&t.retries, 1)
		metrics.RetryDecisions.WithLabelValues(op).Inc()
		t.logger.Warn("retrying remote call",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	atomic.AddInt64(&t.exhausted, 1)
	t.logger.Error("retry budget exhausted",
		zap.String("operation", op),
		zap.Int("attempts", t.cfg.Retry.MaxAttempts),
		zap.Error(lastErr))
	return lastErr
}

// dispatch admits one call through the gate and runs it.
func (t *Throttle) dispatch(ctx context.Context, op string, fn func(context.Context) error) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.sem }()

	if wait := t.reserve(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	atomic.AddInt64(&t.admitted, 1)
	start := time.Now()
	err := fn(ctx)
	metrics.RemoteCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

// reserve claims the next dispatch slot and returns how long the caller
// must wait for it. Slots are handed out in claim order, so admission
// stays FIFO under contention.
func (t *Throttle) reserve() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.next.Before(now) {
		t.next = now
	}
	wait := t.next.Sub(now)
	t.next = t.next.Add(t.cfg.MinSpacing)
	return wait
}

// Stats returns cumulative throttle statistics.
func (t *Throttle) Stats() ThrottleStats {
	return ThrottleStats{
		Admitted:  atomic.LoadInt64(&t.admitted),
		Retries:   atomic.LoadInt64(&t.retries),
		Exhausted: atomic.LoadInt64(&t.exhausted),
	}
}

package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/errors"
)

func testThrottle(maxInFlight int, spacing time.Duration, attempts int) *Throttle {
	return NewThrottle(ThrottleConfig{
		MaxInFlight: maxInFlight,
		MinSpacing:  spacing,
		Retry: &RetryPolicy{
			MaxAttempts:     attempts,
			InitialDelay:    time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			Multiplier:      2.0,
			RandomizeFactor: 0,
		},
	}, zap.NewNop())
}

func TestDoRetriesRetryableFailures(t *testing.T) {
	th := testThrottle(1, 0, 5)

	var calls int
	err := th.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return errors.New(errors.ErrorTypeRateLimit, "throttled")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls, "must succeed on the 4th call, within the 5-attempt budget")
	assert.Equal(t, int64(3), th.Stats().Retries)
}

func TestDoSurfacesLastErrorUnchanged(t *testing.T) {
	th := testThrottle(1, 0, 3)

	last := errors.New(errors.ErrorTypeTransport, "connection reset")
	var calls int
	err := th.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return last
	})

	assert.Equal(t, 3, calls)
	assert.Same(t, last, err, "exhausted budget must surface the last error unchanged")
	assert.Equal(t, int64(1), th.Stats().Exhausted)
}

func TestDoDoesNotRetryFatalFailures(t *testing.T) {
	th := testThrottle(1, 0, 5)

	var calls int
	err := th.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeRemoteRejected, "invalid handle")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRemoteRejected))
}

func TestDoBoundsConcurrency(t *testing.T) {
	const limit = 3
	th := testThrottle(limit, 0, 1)

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Do(context.Background(), "test", func(ctx context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
	assert.Equal(t, int64(20), th.Stats().Admitted)
}

func TestDoEnforcesMinSpacing(t *testing.T) {
	const spacing = 20 * time.Millisecond
	th := testThrottle(5, spacing, 1)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Do(context.Background(), "test", func(ctx context.Context) error {
				return nil
			})
		}()
	}
	wg.Wait()

	// 4 dispatches spaced 20ms apart need at least 3 spacing intervals.
	assert.GreaterOrEqual(t, time.Since(start), 3*spacing)
}

func TestDoHonorsCancellation(t *testing.T) {
	th := testThrottle(1, 0, 5)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	done := make(chan error, 1)
	go func() {
		done <- th.Do(ctx, "test", func(ctx context.Context) error {
			calls++
			if calls == 1 {
				cancel()
			}
			return errors.New(errors.ErrorTypeTransport, "flaky")
		})
	}()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation must stop further attempts")
}

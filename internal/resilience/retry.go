// Package resilience carries the teacher's retry/circuit-breaker primitives,
// adapted for the adapter layer's transient-error retries.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/swarmguard/anqueue/internal/obs"
)

// Retry executes fn with exponential backoff and full jitter, up to attempts
// times. Used by TaskStore.SyncWithDB for its adapter reads, not by the
// worker supervisor (which follows a fixed restart schedule instead).
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	attemptCounter, _ := obs.Meter().Int64Counter("anqueue_adapter_retry_attempts_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 10*time.Second {
			cur = 10 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	return zero, lastErr
}

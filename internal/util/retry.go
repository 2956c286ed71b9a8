package util

import (
	"context"
	"fmt"
	"time"
)

// Backoff returns the wait before the retry that follows the given attempt (0-indexed).
type Backoff func(attempt int) time.Duration

// ExponentialBackoff waits 1s, 2s, 4s, ...
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// LinearBackoff waits step, 2*step, 3*step, ...
func LinearBackoff(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return time.Duration(attempt+1) * step
	}
}

// Retry calls fn up to maxRetries+1 times, waiting backoff(attempt) between
// attempts. fn receives the current attempt number (0-indexed). It should return nil on success.
// If the context is cancelled, Retry returns the context error immediately.
func Retry(ctx context.Context, maxRetries int, backoff Backoff, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		// Don't wait after the last attempt
		if attempt == maxRetries {
			break
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		t := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

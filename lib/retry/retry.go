// Package retry implements exponential backoff for transient failures.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Default backoff window.
const (
	InitialDelay = 500 * time.Millisecond
	MaxDelay     = 30 * time.Second
)

// Delay returns the backoff delay before attempt n (0-based): InitialDelay doubled per attempt, capped at MaxDelay.
func Delay(n int) time.Duration {
	d := InitialDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// Do runs op, retrying with exponential backoff while it fails. attempts <= 0 retries indefinitely. The context
// cancels the wait between attempts.
func Do(ctx context.Context, attempts int, op func() error) error {
	var lastErr error

	for n := 0; attempts <= 0 || n < attempts; n++ {
		if lastErr = op(); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("cancelled while retrying: %w", lastErr)
		case <-time.After(Delay(n)):
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

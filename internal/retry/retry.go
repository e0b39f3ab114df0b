// Package retry provides bounded exponential backoff for transient
// failures, chiefly outbound chat sends.
package retry

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultAttempts = 5
	DefaultBase     = 500 * time.Millisecond
)

// Do runs fn up to attempts times, doubling the delay after each failure
// starting from base. The last error is returned once attempts are
// exhausted or the context ends.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := base

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		delay *= 2
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}

// Package retry provides a bounded-retry combinator with linear backoff.
// The sleep function is injectable so callers can unit test retry behavior
// without real timers.
package retry

import (
	"context"
	"time"
)

// Sleep waits for the given duration or until the context is cancelled.
type Sleep func(ctx context.Context, d time.Duration) error

// RealSleep is the default Sleep backed by a timer.
func RealSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn up to attempts times. After the n-th failure it waits n*delay
// before the next attempt. It returns nil on the first success, the context
// error if cancelled while waiting, and otherwise the last error from fn.
func Do(ctx context.Context, attempts int, delay time.Duration, sleep Sleep, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if sleep == nil {
		sleep = RealSleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, time.Duration(attempt)*delay); err != nil {
			return err
		}
	}
	return lastErr
}

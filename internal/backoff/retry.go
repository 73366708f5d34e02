package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// SleepWithContext waits for d or until ctx is done, whichever is first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn up to maxAttempts times, sleeping per policy between
// attempts. It stops early when fn succeeds, when shouldRetry rejects the
// error, or when ctx is done. Exhaustion joins ErrMaxAttemptsExhausted with
// the last error.
func Retry(
	ctx context.Context,
	policy BackoffPolicy,
	maxAttempts int,
	shouldRetry func(error) bool,
	fn func(attempt int) error,
) error {
	maxAttempts = max(maxAttempts, 1)
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := SleepWithContext(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return err
		}
	}
	return errors.Join(ErrMaxAttemptsExhausted, lastErr)
}

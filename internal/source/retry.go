package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrInvalidAttempts  = errors.New("attempts must be at least 1")
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Retry runs op up to attempts times. Between attempts it sleeps
// attempt*baseDelay, so the backoff grows linearly.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, op func() error) error {
	if attempts < 1 {
		return ErrInvalidAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			if attempt > 1 {
				slog.DebugContext(ctx, "operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}

		if attempt == attempts {
			break
		}

		delay := time.Duration(attempt) * baseDelay
		slog.WarnContext(ctx, "operation failed, retrying", "attempt", attempt, "max_attempts", attempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

package core

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// backoff returns the wait before retry number attempt (0-based).
func (c RetryConfig) backoff(attempt int) time.Duration {
	base := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if maxDelay := float64(c.MaxDelay); maxDelay > 0 && base > maxDelay {
		base = maxDelay
	}
	if c.Jitter > 0 {
		base += base * c.Jitter * (rand.Float64()*2 - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The last error is returned unchanged.
func Retry(ctx context.Context, cfg RetryConfig, logger Logger, op string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = NopLogger()
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "op", op, "attempt", attempt+1)
			}
			return nil
		}
		if !IsRetryable(lastErr) || attempt == attempts-1 {
			return lastErr
		}

		delay := cfg.backoff(attempt)
		logger.Warn("retrying operation",
			"op", op,
			"attempt", attempt+1,
			"delay", delay,
			"error", lastErr,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
	return lastErr
}

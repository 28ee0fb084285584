package runner

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig governs how the runner retries transient job-store failures.
// Claims, progress flushes, and terminal transitions all go through the same
// policy: a missed write there would otherwise stall or orphan a job that is
// perfectly healthy.
type RetryConfig struct {
	// MaxAttempts caps the total tries, including the first.
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each failed attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction randomizes each delay by up to this fraction, so
	// runners that failed together do not hammer the store in lockstep.
	// Default: 0.1
	JitterFraction float64
}

// DefaultRetryConfig returns the retry policy used for job-store writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// retryWithBackoff runs write until it succeeds or the retry budget is
// spent, returning the last error. Context cancellation is never retried;
// during shutdown or a force-cancel the caller wants out, not persistence.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, write func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = write()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * cfg.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}

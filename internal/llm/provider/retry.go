package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/aixgo-dev/promptly/pkg/observability"
)

// RetryPolicy bounds the attempts made for a single Complete call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy makes 3 attempts, sleeping 1s·2^attempt plus up to 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Delay is the backoff before the attempt following attempt (0-based).
func (p RetryPolicy) Delay(attempt int, jitter time.Duration) time.Duration {
	return p.BaseDelay*time.Duration(1<<attempt) + jitter
}

// retrier runs an attempt function under a RetryPolicy. sleep and jitter are
// swappable so tests can observe backoff without waiting.
type retrier struct {
	backend string
	policy  RetryPolicy
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(limit time.Duration) time.Duration
}

func newRetrier(backend string, policy RetryPolicy, logger *slog.Logger) retrier {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return retrier{
		backend: backend,
		policy:  policy,
		logger:  logger,
		sleep:   sleepContext,
		jitter:  cryptoJitter,
	}
}

func (r retrier) do(ctx context.Context, attemptFn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		err := attemptFn(ctx, attempt)
		if err == nil {
			observability.RecordCompletionAttempt(r.backend, "success")
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			observability.RecordCompletionAttempt(r.backend, "cancelled")
			return ctx.Err()
		}
		if !IsRetryable(err) {
			observability.RecordCompletionAttempt(r.backend, "client_error")
			r.logger.Error("completion request rejected", "backend", r.backend, "attempt", attempt+1, "error", err)
			return err
		}
		observability.RecordCompletionAttempt(r.backend, "retryable_error")

		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		delay := r.policy.Delay(attempt, r.jitter(r.policy.MaxJitter))
		r.logger.Warn("completion attempt failed, retrying",
			"backend", r.backend,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		observability.RecordCompletionRetry(r.backend)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.logger.Error("completion failed after retries", "backend", r.backend, "attempts", r.policy.MaxAttempts, "error", lastErr)
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cryptoJitter returns a uniform duration in [0, limit].
func cryptoJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return limit / 2
	}
	f := float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
	return time.Duration(f * float64(limit))
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay, 0.0 to 1.0
}

// DefaultRetryConfig suits fire-and-forget remote writes: few attempts and
// short delays, since nobody is waiting on the result
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.2,
	}
}

// Retry runs fn until it succeeds, attempts run out, or ctx is done
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	return RetryIf(ctx, cfg, IsRetryable, fn)
}

// RetryIf is Retry that gives up immediately when isRetryable rejects an error
func RetryIf(ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, fn func(context.Context) error) error {
	_, err := RetryIfWithResult(ctx, cfg, isRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryIfWithResult is RetryIf for functions returning a value
func RetryIfWithResult[T any](ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(backoff(attempt, cfg))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retry attempts reached: %w", lastErr)
}

// backoff returns BaseDelay*2^attempt capped at MaxDelay, spread by ±Jitter
func backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		spread := delay * cfg.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}

// IsRetryable rejects errors that another attempt cannot fix: an open
// breaker and caller cancellation
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Warmup uses it to keep fetchers from
// stampeding the services behind them.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter refilling rate tokens per second with a
// bucket of burst tokens. It starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = max(int(rate), 1)
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Allow takes a token if one is available
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.reserve()
	return ok
}

// Wait blocks until a token is taken or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// reserve takes a token, or reports how long until one is available
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastRefill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}

	wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
	return max(wait, time.Millisecond), false
}

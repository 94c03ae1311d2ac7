// Package resilience provides failure isolation for calls to remote tiers:
// a circuit breaker, retry with backoff, and a token-bucket limiter.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling through while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // open -> half-open cool-down
	OnStateChange    func(name string, from, to State)
}

// CircuitBreaker trips after repeated failures so a dead dependency costs
// callers nothing but a state check
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailTime time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a closed breaker, filling zero config fields
// with defaults
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute runs fn if the breaker allows it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteWithResult is Execute for functions returning a value
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	if err := cb.allow(); err != nil {
		var zero T
		return zero, err
	}

	res, err := fn(ctx)
	cb.record(err)
	return res, err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailTime) > cb.cfg.Timeout {
		cb.setState(StateHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

// record updates the counters. Cancellation is the caller's doing, not the
// dependency's, and does not count as a failure. Misses (callers map them
// to nil before returning) count as success.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailTime = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failures = 0
		}
	}
}

// setState transitions state (caller must hold lock)
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.successes = 0
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker's name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
}

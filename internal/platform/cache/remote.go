package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agatticelli/labcache/internal/platform/observability"
	"github.com/agatticelli/labcache/internal/platform/resilience"
	"github.com/agatticelli/labcache/internal/platform/worker"
)

// RemoteConfig configures a RemoteTier
type RemoteConfig struct {
	// Timeout bounds every call to the remote store
	Timeout   time.Duration
	Workers   int
	QueueSize int

	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
}

// DefaultRemoteConfig returns the defaults used when a field is left zero
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout:   500 * time.Millisecond,
		Workers:   4,
		QueueSize: 256,
		Retry:     resilience.DefaultRetryConfig(),
		Breaker: resilience.CircuitBreakerConfig{
			Name:             "remote-tier",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// RemoteTier guards the optional L3 store. Reads are synchronous but
// bounded by Timeout; writes and removes are queued on a worker pool and
// never awaited by the caller. A circuit breaker keeps an unhealthy remote
// from adding latency to every lookup.
type RemoteTier struct {
	store   Store
	cfg     RemoteConfig
	breaker *resilience.CircuitBreaker
	pool    *worker.Pool
	logger  *observability.Logger
	metrics *observability.CacheMetrics
}

// NewRemoteTier wraps store. logger and metrics may be nil.
func NewRemoteTier(store Store, cfg RemoteConfig, logger *observability.Logger, metrics *observability.CacheMetrics) *RemoteTier {
	def := DefaultRemoteConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = def.Breaker.Name
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	r := &RemoteTier{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}

	userHook := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(name string, from, to resilience.State) {
		r.logger.Warn("remote tier circuit breaker state changed",
			"breaker", name, "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	r.breaker = resilience.NewCircuitBreaker(cfg.Breaker)

	r.pool = worker.NewPool(context.Background(), worker.PoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		OnResult:  r.onResult,
	})
	return r
}

// Get reads key from the remote store. A miss is (nil, ErrNotFound).
func (r *RemoteTier) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var miss bool
	data, err := resilience.ExecuteWithResult(ctx, r.breaker, func(ctx context.Context) ([]byte, error) {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			miss = true
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, ErrNotFound
	}
	return data, nil
}

// SetAsync queues a write and returns immediately
func (r *RemoteTier) SetAsync(ctx context.Context, key string, data []byte) {
	r.dispatch(ctx, "set", key, func(ctx context.Context) error {
		return r.store.Set(ctx, key, data)
	})
}

// RemoveAsync queues a remove and returns immediately
func (r *RemoteTier) RemoveAsync(ctx context.Context, key string) {
	r.dispatch(ctx, "remove", key, func(ctx context.Context) error {
		return r.store.Remove(ctx, key)
	})
}

// ClearAsync queues a prefix clear behind every write already queued, so
// none of them can land after it. Completion is not guaranteed.
func (r *RemoteTier) ClearAsync(ctx context.Context, prefix string) {
	r.dispatch(ctx, "clear", "", func(ctx context.Context) error {
		return r.store.Clear(ctx, prefix)
	})
}

// dispatch queues call on the pool. Calls for one key share a worker, so a
// retried set can never land after a later remove. An empty key means a
// whole-tier operation, queued as a barrier.
func (r *RemoteTier) dispatch(ctx context.Context, op, key string, call func(context.Context) error) {
	job := worker.Job{
		Name: op,
		Key:  key,
		Run: func(poolCtx context.Context) error {
			err := resilience.Retry(poolCtx, r.cfg.Retry, func(ctx context.Context) error {
				callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
				defer cancel()
				return r.breaker.Execute(callCtx, call)
			})
			if err != nil {
				r.logger.LogWarn(poolCtx, "remote tier call failed", "op", op, "key", key, "error", err)
			}
			return err
		},
	}

	submit := r.pool.TrySubmit
	if key == "" {
		submit = r.pool.TrySubmitBarrier
	}

	// The job outlives ctx; it is only used to attribute the drop.
	if err := submit(job); err != nil {
		r.metrics.RecordRemoteDropped(ctx, op)
		r.logger.LogWarn(ctx, "remote tier job dropped", "op", op, "key", key, "error", err)
	}
}

func (r *RemoteTier) onResult(res worker.Result) {
	if res.Err != nil {
		r.metrics.RecordAdapterError(context.Background(), string(TierRemote), res.Name)
	}
}

// Flush waits for queued remote jobs to finish
func (r *RemoteTier) Flush(ctx context.Context) error {
	if err := r.pool.Flush(ctx); err != nil {
		return fmt.Errorf("remote tier flush: %w", err)
	}
	return nil
}

// BreakerState exposes the circuit breaker state for health reporting
func (r *RemoteTier) BreakerState() resilience.State {
	return r.breaker.State()
}

// Close drains queued jobs and closes the underlying store
func (r *RemoteTier) Close() error {
	r.pool.Close()
	return r.store.Close()
}

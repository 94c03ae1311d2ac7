package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/labcache/internal/platform/resilience"
)

// WarmupProvider supplies a named batch of keys and knows how to load them.
// The CLI's seed file is one; a reference table loader would be another.
type WarmupProvider interface {
	// Name returns a human-readable name for logging purposes
	Name() string

	// Keys lists the keys this provider can load
	Keys(ctx context.Context) ([]string, error)

	// Fetch loads a single key
	Fetch(ctx context.Context, key string) (any, error)
}

// WarmupConfig configures cache warming.
type WarmupConfig struct {
	// Timeout is the maximum duration for a whole batch; 0 = no limit
	Timeout time.Duration

	// Concurrency bounds the number of fetchers in flight
	Concurrency int

	// RatePerSecond throttles fetcher starts; 0 = unlimited
	RatePerSecond float64
}

// DefaultWarmupConfig returns sensible defaults for cache warming.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:     30 * time.Second,
		Concurrency: 4,
	}
}

// WarmupStatus is the outcome for one key
type WarmupStatus string

const (
	WarmupLoaded    WarmupStatus = "loaded"
	WarmupSkipped   WarmupStatus = "skipped" // already present in some tier
	WarmupFailed    WarmupStatus = "failed"
	WarmupCancelled WarmupStatus = "cancelled" // never scheduled
)

// WarmupResult contains the result of warming a single key.
type WarmupResult struct {
	Key      string
	Status   WarmupStatus
	Duration time.Duration
	Err      error
}

// WarmupResults contains the aggregate results of cache warming.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration

	Loaded    int
	Skipped   int
	Errors    int
	Cancelled int
}

// HasErrors returns true if any key failed during warmup.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Failed returns the results of the keys whose fetch or store failed
func (wr *WarmupResults) Failed() []WarmupResult {
	var failed []WarmupResult
	for _, r := range wr.Results {
		if r.Status == WarmupFailed {
			failed = append(failed, r)
		}
	}
	return failed
}

func (wr *WarmupResults) merge(other *WarmupResults) {
	wr.Results = append(wr.Results, other.Results...)
	wr.Loaded += other.Loaded
	wr.Skipped += other.Skipped
	wr.Errors += other.Errors
	wr.Cancelled += other.Cancelled
}

// Warmup loads every key that no tier already holds. Fetchers run with
// bounded concurrency; a failing or panicking fetcher is logged and
// recorded but never stops the batch. Cancelling ctx stops scheduling new
// fetches, while fetches already started still populate the cache.
func (m *Manager) Warmup(ctx context.Context, keys []string, fetcher Fetcher) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{}

	keys = dedupe(keys)
	if len(keys) == 0 {
		return results
	}

	if m.cfg.Warmup.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Warmup.Timeout)
		defer cancel()
	}

	var limiter *resilience.RateLimiter
	if m.cfg.Warmup.RatePerSecond > 0 {
		limiter = resilience.NewRateLimiter(m.cfg.Warmup.RatePerSecond, 1)
	}

	sem := semaphore.NewWeighted(int64(max(m.cfg.Warmup.Concurrency, 1)))

	// Each goroutine writes only its own slot
	slots := make([]WarmupResult, len(keys))
	scheduled := 0

	for i, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if m.present(ctx, key) {
			slots[i] = WarmupResult{Key: key, Status: WarmupSkipped}
			scheduled++
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		scheduled++
		go func(i int, key string) {
			defer sem.Release(1)
			slots[i] = m.warmKey(ctx, key, fetcher)
		}(i, key)
	}

	// Wait for every in-flight fetch by taking the whole semaphore
	_ = sem.Acquire(context.Background(), int64(max(m.cfg.Warmup.Concurrency, 1)))

	for i := scheduled; i < len(keys); i++ {
		slots[i] = WarmupResult{Key: keys[i], Status: WarmupCancelled}
	}

	results.Results = slots
	for _, r := range slots {
		switch r.Status {
		case WarmupLoaded:
			results.Loaded++
		case WarmupSkipped:
			results.Skipped++
		case WarmupFailed:
			results.Errors++
		case WarmupCancelled:
			results.Cancelled++
		}
		m.metrics.RecordWarmupKey(ctx, string(r.Status))
	}
	results.TotalTime = time.Since(start)

	if results.Errors > 0 {
		m.logger.LogWarn(ctx, fmt.Sprintf("Cache warmup completed with %d/%d errors in %v",
			results.Errors, len(keys), results.TotalTime))
	} else {
		m.logger.LogInfo(ctx, fmt.Sprintf("Cache warmup completed (%d loaded, %d skipped, %d cancelled) in %v",
			results.Loaded, results.Skipped, results.Cancelled, results.TotalTime))
	}
	return results
}

// WarmupProviders runs Warmup for each provider in turn. A provider whose
// key listing fails is logged and skipped.
func (m *Manager) WarmupProviders(ctx context.Context, providers ...WarmupProvider) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{}

	for _, p := range providers {
		keys, err := p.Keys(ctx)
		if err != nil {
			m.logger.LogWarn(ctx, fmt.Sprintf("Cache warmup skipped provider %s: %v", p.Name(), err))
			results.Errors++
			continue
		}

		m.logger.LogDebug(ctx, fmt.Sprintf("Warming cache: %s (%d keys)", p.Name(), len(keys)))
		results.merge(m.Warmup(ctx, keys, p.Fetch))
	}

	results.TotalTime = time.Since(start)
	return results
}

// warmKey fetches and stores one key. Panics in the fetcher are recovered
// into errors.
func (m *Manager) warmKey(ctx context.Context, key string, fetcher Fetcher) (res WarmupResult) {
	start := time.Now()
	res.Key = key

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("fetcher panicked: %v", r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Status = WarmupFailed
			m.logger.LogWarn(ctx, fmt.Sprintf("Cache warmup failed for %s: %v (took %v)", key, res.Err, res.Duration))
			return
		}
		res.Status = WarmupLoaded
	}()

	// An issued fetch runs to completion and still populates the cache
	// after cancellation
	fetchCtx := context.WithoutCancel(ctx)

	value, err := fetcher(fetchCtx, key)
	if err != nil {
		res.Err = err
		return res
	}

	res.Err = m.Set(fetchCtx, key, value)
	return res
}

// present reports whether any tier holds a live entry for key, without
// touching counters or recency
func (m *Manager) present(ctx context.Context, key string) bool {
	if _, ok := m.l1.Peek(key); ok {
		return true
	}
	if _, _, ok := m.getStorage(ctx, key, false); ok {
		return true
	}
	if m.remote == nil {
		return false
	}
	_, _, ok := m.getRemote(ctx, key, false)
	return ok
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

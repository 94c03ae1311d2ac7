package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// CacheMetrics holds the instruments exported by the tiered cache. The
// zero value is not usable; a nil *CacheMetrics records nothing.
type CacheMetrics struct {
	Hits        Counter
	Misses      Counter
	Evictions   Counter
	Expirations Counter

	// AdapterErrors counts tier I/O failures that were degraded to misses
	AdapterErrors Counter
	// RemoteDropped counts fire-and-forget remote jobs rejected by a full queue
	RemoteDropped Counter
	WarmupKeys    Counter

	Size              Gauge
	OperationDuration Histogram
}

// NewCacheMetrics registers the cache instruments on a meter
func NewCacheMetrics(provider MeterProvider) *CacheMetrics {
	m := provider.Meter("labcache")

	duration := m.Histogram("labcache.cache.operation.duration",
		"Cache operation latency in milliseconds",
		0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500)

	return &CacheMetrics{
		Hits:              m.Counter("labcache.cache.hits", "Cache lookups answered, by tier"),
		Misses:            m.Counter("labcache.cache.misses", "Cache lookups not answered, by tier"),
		Evictions:         m.Counter("labcache.cache.evictions", "Entries evicted by the LRU tier"),
		Expirations:       m.Counter("labcache.cache.expirations", "Entries discovered expired, by tier"),
		AdapterErrors:     m.Counter("labcache.cache.adapter_errors", "Tier I/O failures treated as misses"),
		RemoteDropped:     m.Counter("labcache.cache.remote_dropped", "Remote writes dropped because the dispatcher queue was full"),
		WarmupKeys:        m.Counter("labcache.cache.warmup_keys", "Keys processed by warmup, by status"),
		Size:              m.Gauge("labcache.cache.l1_size", "Entries held by the in-process tier"),
		OperationDuration: duration,
	}
}

func tierAttr(tier string) attribute.KeyValue {
	return attribute.String("tier", tier)
}

// RecordHit records a lookup answered by tier ("overall" for the coordinator)
func (m *CacheMetrics) RecordHit(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.Hits.Inc(ctx, tierAttr(tier))
}

// RecordMiss records a lookup tier could not answer
func (m *CacheMetrics) RecordMiss(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.Misses.Inc(ctx, tierAttr(tier))
}

func (m *CacheMetrics) RecordEviction(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.Evictions.Inc(ctx, tierAttr(tier))
}

func (m *CacheMetrics) RecordExpiration(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.Expirations.Inc(ctx, tierAttr(tier))
}

// RecordAdapterError records a failed tier call; op is get, set, remove or clear
func (m *CacheMetrics) RecordAdapterError(ctx context.Context, tier, op string) {
	if m == nil {
		return
	}
	m.AdapterErrors.Inc(ctx, tierAttr(tier), attribute.String("op", op))
}

func (m *CacheMetrics) RecordRemoteDropped(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.RemoteDropped.Inc(ctx, attribute.String("op", op))
}

// RecordWarmupKey records one warmup outcome: loaded, skipped or failed
func (m *CacheMetrics) RecordWarmupKey(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.WarmupKeys.Inc(ctx, attribute.String("status", status))
}

func (m *CacheMetrics) RecordSize(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.Size.Record(ctx, int64(size))
}

// RecordOperation records the latency of a coordinator operation
func (m *CacheMetrics) RecordOperation(ctx context.Context, op string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.RecordDuration(ctx, start, attribute.String("op", op))
}

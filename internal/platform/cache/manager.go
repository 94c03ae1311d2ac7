package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/labcache/internal/platform/observability"
)

// Fetcher loads the value for key when no tier has it
type Fetcher func(ctx context.Context, key string) (any, error)

// Manager coordinates the tiers. Lookups go L1 → L2 → L3 and backfill the
// faster tiers on the way out; writes go through L1 and L2 synchronously
// and to L3 asynchronously. Callers only ever talk to the Manager.
type Manager struct {
	cfg Config

	l1     *LRUStore
	l2     Store
	remote *RemoteTier // nil when L3 is disabled

	remoteStore Store
	remoteCfg   RemoteConfig

	overall Counters
	l2Stats Counters
	l3Stats Counters

	group singleflight.Group
	guard writeGuard

	logger  *observability.Logger
	metrics *observability.CacheMetrics
	tracer  observability.Tracer
	now     func() time.Time

	stopJanitor context.CancelFunc
}

// New builds a Manager over l2. The returned error is always a
// configuration error; tier failures only ever degrade to misses later.
func New(cfg Config, l2 Store, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l2 == nil {
		return nil, fmt.Errorf("%w: persistent store is required", ErrInvalidConfig)
	}

	l1, err := NewLRUStore(cfg.Capacity, cfg.MemoryTTL)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		l1:     l1,
		l2:     l2,
		logger: observability.NewNopLogger(),
		tracer: observability.NewNoopTracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Component("cache")

	l1.now = m.now
	l1.onEvict = func(string) {
		m.metrics.RecordEviction(context.Background(), string(TierMemory))
	}
	l1.onExpire = func(string) {
		m.metrics.RecordExpiration(context.Background(), string(TierMemory))
	}

	if m.remoteStore != nil {
		m.remote = NewRemoteTier(m.remoteStore, m.remoteCfg, m.logger, m.metrics)
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	m.stopJanitor = cancel
	l1.StartJanitor(janitorCtx, cfg.CleanupInterval)

	return m, nil
}

// Get looks key up tier by tier. A miss in every tier, an expired entry
// and an adapter failure all read as (nil, false).
func (m *Manager) Get(ctx context.Context, key string) (any, bool) {
	start := time.Now()
	ctx, span := m.tracer.StartSpan(ctx, "cache.get", attribute.String("cache.key", key))
	defer span.End()
	defer m.metrics.RecordOperation(ctx, "get", start)

	value, tier, ok := m.lookup(ctx, key)
	if !ok {
		m.overall.miss()
		m.metrics.RecordMiss(ctx, "overall")
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false
	}

	m.overall.hit()
	m.metrics.RecordHit(ctx, "overall")
	span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("cache.tier", string(tier)))
	return value, true
}

// GetInto looks key up and decodes the value into dst, which must be a
// pointer. Only a decode failure is returned as an error.
func (m *Manager) GetInto(ctx context.Context, key string, dst any) (bool, error) {
	value, ok := m.Get(ctx, key)
	if !ok {
		return false, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return true, fmt.Errorf("failed to re-encode cached value for %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("failed to decode cached value for %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) lookup(ctx context.Context, key string) (any, Tier, bool) {
	gen := m.guard.snapshot(key)

	if value, ok := m.l1.Get(key); ok {
		m.metrics.RecordHit(ctx, string(TierMemory))
		return value, TierMemory, true
	}
	m.metrics.RecordMiss(ctx, string(TierMemory))

	if value, expireAt, ok := m.getStorage(ctx, key, true); ok {
		m.guard.apply(key, gen, func() {
			m.backfillMemory(key, value, expireAt)
		})
		return value, TierStorage, true
	}

	if m.remote == nil {
		return nil, "", false
	}

	value, expireAt, ok := m.getRemote(ctx, key, true)
	if !ok {
		return nil, "", false
	}
	// A write that raced this lookup owns the faster tiers now
	m.guard.apply(key, gen, func() {
		m.backfillStorage(ctx, key, value, expireAt)
		m.backfillMemory(key, value, expireAt)
	})
	return value, TierRemote, true
}

// getStorage reads and validates an L2 envelope. count=false leaves the
// counters alone so presence checks do not skew hit rates.
func (m *Manager) getStorage(ctx context.Context, key string, count bool) (any, time.Time, bool) {
	storageCtx, cancel := m.storageContext(ctx)
	defer cancel()

	data, err := m.l2.Get(storageCtx, m.storageKey(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.metrics.RecordAdapterError(ctx, string(TierStorage), "get")
			m.logger.LogWarn(ctx, "storage tier read failed", "tier", TierStorage, "key", key, "error", err)
		}
		m.countMiss(ctx, &m.l2Stats, TierStorage, count)
		return nil, time.Time{}, false
	}

	value, expireAt, err := decodeValue(data)
	if err != nil {
		m.logger.LogWarn(ctx, "dropping undecodable storage entry", "tier", TierStorage, "key", key, "error", err)
		m.removeStorage(ctx, key)
		m.countMiss(ctx, &m.l2Stats, TierStorage, count)
		return nil, time.Time{}, false
	}

	if expired(expireAt, m.now()) {
		m.removeStorage(ctx, key)
		if count {
			m.l2Stats.expire()
			m.metrics.RecordExpiration(ctx, string(TierStorage))
		}
		m.countMiss(ctx, &m.l2Stats, TierStorage, count)
		return nil, time.Time{}, false
	}

	if count {
		m.l2Stats.hit()
		m.metrics.RecordHit(ctx, string(TierStorage))
	}
	return value, expireAt, true
}

// getRemote is getStorage for L3. Expired remote entries are left for the
// remote store's own TTL to reclaim.
func (m *Manager) getRemote(ctx context.Context, key string, count bool) (any, time.Time, bool) {
	data, err := m.remote.Get(ctx, m.storageKey(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.metrics.RecordAdapterError(ctx, string(TierRemote), "get")
			m.logger.LogWarn(ctx, "remote tier read failed", "tier", TierRemote, "key", key, "error", err)
		}
		m.countMiss(ctx, &m.l3Stats, TierRemote, count)
		return nil, time.Time{}, false
	}

	value, expireAt, err := decodeValue(data)
	if err != nil {
		m.logger.LogWarn(ctx, "ignoring undecodable remote entry", "tier", TierRemote, "key", key, "error", err)
		m.countMiss(ctx, &m.l3Stats, TierRemote, count)
		return nil, time.Time{}, false
	}

	if expired(expireAt, m.now()) {
		if count {
			m.l3Stats.expire()
			m.metrics.RecordExpiration(ctx, string(TierRemote))
		}
		m.countMiss(ctx, &m.l3Stats, TierRemote, count)
		return nil, time.Time{}, false
	}

	if count {
		m.l3Stats.hit()
		m.metrics.RecordHit(ctx, string(TierRemote))
	}
	return value, expireAt, true
}

func (m *Manager) countMiss(ctx context.Context, c *Counters, tier Tier, count bool) {
	if !count {
		return
	}
	c.miss()
	m.metrics.RecordMiss(ctx, string(tier))
}

// backfillMemory copies a slower-tier hit into L1 for the rest of its
// lifetime, capped at MemoryTTL
func (m *Manager) backfillMemory(key string, value any, expireAt time.Time) {
	if expireAt.IsZero() {
		m.l1.Set(key, value)
		return
	}

	ttl := expireAt.Sub(m.now())
	if m.cfg.MemoryTTL > 0 {
		ttl = min(ttl, m.cfg.MemoryTTL)
	}
	m.l1.SetWithTTL(key, value, ttl)
}

// backfillStorage copies an L3 hit into L2, keeping the remote expiry unless
// the storage TTL is shorter
func (m *Manager) backfillStorage(ctx context.Context, key string, value any, expireAt time.Time) {
	if m.cfg.StorageTTL > 0 {
		limit := m.now().Add(m.cfg.StorageTTL)
		if expireAt.IsZero() || limit.Before(expireAt) {
			expireAt = limit
		}
	}

	data, err := encodeEnvelope(value, expireAt)
	if err != nil {
		m.logger.LogWarn(ctx, "failed to re-encode remote entry", "key", key, "error", err)
		return
	}
	m.setStorage(ctx, key, data)
}

// Set writes value to L1 and L2 and queues it for L3. The only error is a
// value that cannot be serialized for a tier that needs bytes; I/O failures
// are logged and swallowed.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	start := time.Now()
	ctx, span := m.tracer.StartSpan(ctx, "cache.set", attribute.String("cache.key", key))
	defer span.End()
	defer m.metrics.RecordOperation(ctx, "set", start)

	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	var data []byte
	if o.target != targetMemory {
		var err error
		data, err = encodeEnvelope(value, m.storageExpiry(o))
		if err != nil {
			span.NoticeError(err)
			return fmt.Errorf("failed to encode %q: %w", key, err)
		}
	}

	m.guard.bump(key)

	if o.target != targetStorage {
		m.setMemory(key, value, o)
		m.metrics.RecordSize(ctx, m.l1.Len())
	}

	if o.target != targetMemory {
		m.setStorage(ctx, key, data)
	}

	if m.remote != nil && o.target == targetAll {
		m.remote.SetAsync(ctx, m.storageKey(key), data)
	}
	return nil
}

func (m *Manager) setMemory(key string, value any, o setOptions) {
	if !o.hasTTL {
		m.l1.Set(key, value)
		return
	}

	ttl := o.ttl
	if m.cfg.MemoryTTL > 0 {
		ttl = min(ttl, m.cfg.MemoryTTL)
	}
	m.l1.SetWithTTL(key, value, ttl)
}

func (m *Manager) storageExpiry(o setOptions) time.Time {
	switch {
	case o.hasTTL:
		return m.now().Add(o.ttl)
	case m.cfg.StorageTTL > 0:
		return m.now().Add(m.cfg.StorageTTL)
	default:
		return time.Time{}
	}
}

func (m *Manager) setStorage(ctx context.Context, key string, data []byte) {
	storageCtx, cancel := m.storageContext(ctx)
	defer cancel()

	if err := m.l2.Set(storageCtx, m.storageKey(key), data); err != nil {
		m.metrics.RecordAdapterError(ctx, string(TierStorage), "set")
		m.logger.LogWarn(ctx, "storage tier write failed", "tier", TierStorage, "key", key, "error", err)
	}
}

// Remove deletes key from L1 and L2 and queues an L3 remove. It reports
// whether either synchronous tier held the key.
func (m *Manager) Remove(ctx context.Context, key string) bool {
	ctx, span := m.tracer.StartSpan(ctx, "cache.remove", attribute.String("cache.key", key))
	defer span.End()

	m.guard.bump(key)
	inMemory := m.l1.Remove(key)

	storageCtx, cancel := m.storageContext(ctx)
	_, err := m.l2.Get(storageCtx, m.storageKey(key))
	cancel()
	inStorage := err == nil

	m.removeStorage(ctx, key)

	if m.remote != nil {
		m.remote.RemoveAsync(ctx, m.storageKey(key))
	}
	return inMemory || inStorage
}

func (m *Manager) removeStorage(ctx context.Context, key string) {
	storageCtx, cancel := m.storageContext(ctx)
	defer cancel()

	if err := m.l2.Remove(storageCtx, m.storageKey(key)); err != nil {
		m.metrics.RecordAdapterError(ctx, string(TierStorage), "remove")
		m.logger.LogWarn(ctx, "storage tier remove failed", "tier", TierStorage, "key", key, "error", err)
	}
}

// Clear empties L1 and every L2 key under the namespace. L3 is asked to
// clear too, but that is best effort. Counters survive.
func (m *Manager) Clear(ctx context.Context) {
	ctx, span := m.tracer.StartSpan(ctx, "cache.clear")
	defer span.End()

	m.guard.bumpAll()
	m.l1.Clear()
	m.metrics.RecordSize(ctx, 0)

	if err := m.clearStorage(ctx); err != nil {
		span.NoticeError(err)
		m.logger.LogWarn(ctx, "storage tier clear incomplete", "tier", TierStorage, "error", err)
	}

	if m.remote != nil {
		m.remote.ClearAsync(ctx, m.cfg.StorageNamespace)
	}
}

// clearStorage falls back to removing keys one by one when the store
// cannot clear by prefix
func (m *Manager) clearStorage(ctx context.Context) error {
	storageCtx, cancel := m.storageContext(ctx)
	defer cancel()

	err := m.l2.Clear(storageCtx, m.cfg.StorageNamespace)
	if err == nil {
		return nil
	}
	m.metrics.RecordAdapterError(ctx, string(TierStorage), "clear")
	m.logger.LogWarn(ctx, "storage tier prefix clear failed, removing keys individually", "error", err)

	keys, err := m.l2.ListKeys(storageCtx, m.cfg.StorageNamespace)
	if err != nil {
		return fmt.Errorf("failed to list storage keys: %w", err)
	}

	var errs []error
	for _, k := range keys {
		if err := m.l2.Remove(storageCtx, k); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Cached returns the cached value for key, calling fetcher and storing its
// result on a miss. Concurrent misses for one key share a single fetch.
// The shared fetch is detached from every caller's cancellation; a caller
// whose ctx ends stops waiting and gets ctx.Err() while the others still
// receive the value.
func (m *Manager) Cached(ctx context.Context, key string, fetcher Fetcher, opts ...SetOption) (any, error) {
	if value, ok := m.Get(ctx, key); ok {
		return value, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		// Another caller may have stored it while we waited on the group
		if value, ok := m.l1.Peek(key); ok {
			return value, nil
		}

		value, err := fetcher(flightCtx, key)
		if err != nil {
			return nil, err
		}
		if err := m.Set(flightCtx, key, value, opts...); err != nil {
			return value, err
		}
		return value, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of every tier's counters plus the aggregate
func (m *Manager) Stats() Snapshot {
	snap := Snapshot{
		Overall: newTierStats(m.overall.Snapshot()),
		Tiers: map[Tier]TierStats{
			TierMemory:  newTierStats(m.l1.Stats()),
			TierStorage: newTierStats(m.l2Stats.Snapshot()),
		},
		Size:          m.l1.Len(),
		Capacity:      m.l1.Capacity(),
		RemoteEnabled: m.remote != nil,
	}
	if m.remote != nil {
		snap.Tiers[TierRemote] = newTierStats(m.l3Stats.Snapshot())
	}
	return snap
}

// Remote returns the L3 tier, or nil when it is disabled
func (m *Manager) Remote() *RemoteTier {
	return m.remote
}

// Memory exposes the L1 store for introspection
func (m *Manager) Memory() *LRUStore {
	return m.l1
}

// Close stops the janitor, drains queued L3 jobs and closes both stores
func (m *Manager) Close() error {
	m.stopJanitor()
	m.l1.Close()

	var errs []error
	if m.remote != nil {
		if err := m.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote tier: %w", err))
		}
	}
	if err := m.l2.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage tier: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) storageKey(key string) string {
	return m.cfg.StorageNamespace + key
}

func (m *Manager) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StorageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.StorageTimeout)
}

// decodeValue unwraps an envelope into a generic JSON value
func decodeValue(data []byte) (any, time.Time, error) {
	raw, expireAt, err := decodeEnvelope(data)
	if err != nil {
		return nil, time.Time{}, err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return value, expireAt, nil
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agatticelli/labcache/internal/platform/resilience"
)

// mockStore is an in-memory Store with call counters and injectable errors
type mockStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	getErr   error         // Error to return on Get
	setErr   error         // Error to return on Set
	clearErr error         // Error to return on Clear
	getDelay time.Duration // Get blocks this long or until ctx is done

	setFailures int // the next setFailures Set calls fail before setErr applies

	onGet func(key string) // runs after Get has read the data, before it returns

	getCalls    int
	setCalls    int
	removeCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		data: make(map[string][]byte),
	}
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	m.getCalls++
	delay := m.getDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.getErr != nil {
		return nil, m.getErr
	}

	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()

	if m.onGet != nil {
		m.onGet(key)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *mockStore) Set(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++

	if m.setFailures > 0 {
		m.setFailures--
		return errors.New("transient write failure")
	}
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = data
	return nil
}

func (m *mockStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls++
	delete(m.data, key)
	return nil
}

func (m *mockStore) Clear(ctx context.Context, prefix string) error {
	if m.clearErr != nil {
		return m.clearErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *mockStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *mockStore) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
}

func (m *mockStore) getGetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalls
}

func (m *mockStore) getSetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.setCalls
}

// fakeClock is a manually advanced clock shared by every tier
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, l2 Store, mutate func(*Config), opts ...Option) *Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CleanupInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(cfg, l2, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestNewRejectsInvalidConfig verifies configuration errors stop initialization
func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Capacity = 0 }},
		{"negative memory TTL", func(c *Config) { c.MemoryTTL = -time.Second }},
		{"negative storage TTL", func(c *Config) { c.StorageTTL = -time.Second }},
		{"empty namespace", func(c *Config) { c.StorageNamespace = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			_, err := New(cfg, newMockStore())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got: %v", err)
			}
		})
	}

	if _, err := New(DefaultConfig(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil store, got: %v", err)
	}
}

// TestL1MissTriggersL2Lookup verifies that a miss in L1 triggers L2 lookup
func TestL1MissTriggersL2Lookup(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	m := newTestManager(t, l2, nil)

	if err := m.Set(ctx, "ph:buffer", "acetate", L2Only()); err != nil {
		t.Fatalf("Failed to set L2 value: %v", err)
	}
	if _, ok := m.Memory().Peek("ph:buffer"); ok {
		t.Fatal("L2Only write should not reach L1")
	}

	val, ok := m.Get(ctx, "ph:buffer")
	if !ok {
		t.Fatal("Expected value from L2")
	}
	if val != "acetate" {
		t.Errorf("Expected value %q, got %v", "acetate", val)
	}
	if l2.getGetCalls() != 1 {
		t.Errorf("Expected 1 L2 Get call, got %d", l2.getGetCalls())
	}

	t.Log("✓ L1 miss correctly triggers L2 lookup")
}

// TestL2HitBackfillsL1 verifies that L2 hits are backfilled to L1
func TestL2HitBackfillsL1(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	m := newTestManager(t, l2, nil)

	if err := m.Set(ctx, "element:Fe", map[string]any{"mass": 55.845}, L2Only()); err != nil {
		t.Fatalf("Failed to set L2 value: %v", err)
	}

	if _, ok := m.Get(ctx, "element:Fe"); !ok {
		t.Fatal("First get failed")
	}

	l2GetsBefore := l2.getGetCalls()
	val, ok := m.Get(ctx, "element:Fe")
	if !ok {
		t.Fatal("Second get failed")
	}
	if l2.getGetCalls() != l2GetsBefore {
		t.Errorf("Expected no additional L2 Get calls, got %d", l2.getGetCalls()-l2GetsBefore)
	}

	fields, ok := val.(map[string]any)
	if !ok || fields["mass"] != 55.845 {
		t.Errorf("Unexpected backfilled value: %#v", val)
	}

	stats := m.Stats()
	if stats.Tiers[TierMemory].Hits != 1 {
		t.Errorf("Expected 1 L1 hit, got %d", stats.Tiers[TierMemory].Hits)
	}
	if stats.Tiers[TierStorage].Hits != 1 {
		t.Errorf("Expected 1 L2 hit, got %d", stats.Tiers[TierStorage].Hits)
	}

	t.Log("✓ L2 hit correctly backfills L1")
}

// TestBackfillTTLCappedAtMemoryTTL verifies L1 keeps a backfilled entry no
// longer than MemoryTTL while L2 keeps its own lifetime
func TestBackfillTTLCappedAtMemoryTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, newMockStore(), func(c *Config) {
		c.MemoryTTL = time.Minute
		c.StorageTTL = time.Hour
	}, WithClock(clock.Now))

	if err := m.Set(ctx, "ksp:AgCl", 1.77e-10, L2Only()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok := m.Get(ctx, "ksp:AgCl"); !ok {
		t.Fatal("Expected L2 hit")
	}

	clock.Advance(61 * time.Second)

	if _, ok := m.Memory().Peek("ksp:AgCl"); ok {
		t.Error("Expected L1 copy to expire after MemoryTTL")
	}
	if _, ok := m.Get(ctx, "ksp:AgCl"); !ok {
		t.Error("Expected L2 to still answer after L1 expiry")
	}

	t.Log("✓ Backfill TTL capped at memory TTL, L2 TTL independent")
}

// TestBackfillKeepsShorterStorageLifetime verifies L1 never outlives L2
func TestBackfillKeepsShorterStorageLifetime(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, newMockStore(), func(c *Config) {
		c.MemoryTTL = time.Hour
	}, WithClock(clock.Now))

	if err := m.Set(ctx, "xrd:Cu-Ka", 1.5406, L2Only(), WithTTL(10*time.Second)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok := m.Get(ctx, "xrd:Cu-Ka"); !ok {
		t.Fatal("Expected L2 hit")
	}

	clock.Advance(11 * time.Second)

	if _, ok := m.Get(ctx, "xrd:Cu-Ka"); ok {
		t.Error("Expected miss once the L2 lifetime has passed")
	}

	t.Log("✓ Backfilled L1 entry expires with its L2 source")
}

// TestExpiredStorageEntryIsRemoved verifies L2 re-checks its own expiry
func TestExpiredStorageEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	m := newTestManager(t, l2, nil, WithClock(clock.Now))

	if err := m.Set(ctx, "stale", "v", L2Only(), WithTTL(time.Second)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(2 * time.Second)

	if _, ok := m.Get(ctx, "stale"); ok {
		t.Fatal("Expected expired L2 entry to miss")
	}
	if l2.has("labcache:stale") {
		t.Error("Expected expired L2 entry to be removed")
	}

	stats := m.Stats().Tiers[TierStorage]
	if stats.Expirations != 1 || stats.Misses != 1 {
		t.Errorf("Expected 1 L2 expiration and 1 miss, got %+v", stats)
	}

	t.Log("✓ Expired L2 entries are removed and counted")
}

// TestGracefulDegradationOnL2Error verifies L2 failures read as misses
func TestGracefulDegradationOnL2Error(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	l2.getErr = errors.New("L2 connection failed")
	m := newTestManager(t, l2, nil)

	if _, ok := m.Get(ctx, "anything"); ok {
		t.Error("Expected miss when L2 fails")
	}

	// L1 still serves
	if err := m.Set(ctx, "unit:atm", 101325); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, ok := m.Get(ctx, "unit:atm")
	if !ok || val != 101325 {
		t.Errorf("Expected L1 to serve 101325, got %v (found=%v)", val, ok)
	}

	t.Log("✓ Graceful degradation on L2 error")
}

// TestSetSwallowsStorageError verifies L2 write failures are not returned
func TestSetSwallowsStorageError(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	l2.setErr = errors.New("disk full")
	m := newTestManager(t, l2, nil)

	if err := m.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Expected storage error to be swallowed, got: %v", err)
	}
	if _, ok := m.Get(ctx, "k"); !ok {
		t.Error("Expected L1 to hold the value")
	}

	t.Log("✓ L2 write failures logged, not returned")
}

// TestSetWriteThrough verifies write-through to both layers
func TestSetWriteThrough(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	m := newTestManager(t, l2, nil)

	if err := m.Set(ctx, "write-through-key", "write-through-value"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if val, ok := m.Memory().Peek("write-through-key"); !ok || val != "write-through-value" {
		t.Errorf("L1 value mismatch: got %v", val)
	}

	data, err := l2.Get(ctx, "labcache:write-through-key")
	if err != nil {
		t.Fatalf("L2 should have value: %v", err)
	}
	val, expireAt, err := decodeValue(data)
	if err != nil {
		t.Fatalf("Failed to decode L2 envelope: %v", err)
	}
	if val != "write-through-value" {
		t.Errorf("L2 value mismatch: got %v", val)
	}
	if expireAt.IsZero() {
		t.Error("Expected L2 envelope to carry the storage TTL")
	}

	t.Log("✓ Write-through correctly stores in both layers")
}

// TestSetL1Only verifies tier-restricted writes skip L2
func TestSetL1Only(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	m := newTestManager(t, l2, nil)

	// Values that cannot be serialized are fine when L2 is not targeted
	ch := make(chan int)
	if err := m.Set(ctx, "handle", ch, L1Only()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if l2.getSetCalls() != 0 {
		t.Errorf("Expected no L2 writes, got %d", l2.getSetCalls())
	}
	if val, ok := m.Get(ctx, "handle"); !ok || val != ch {
		t.Error("Expected L1 to return the stored channel")
	}

	t.Log("✓ L1Only writes skip L2")
}

// TestSetUnserializableValue verifies the only error Set returns
func TestSetUnserializableValue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	if err := m.Set(ctx, "bad", make(chan int)); err == nil {
		t.Fatal("Expected error for unserializable value")
	}
	if _, ok := m.Memory().Peek("bad"); ok {
		t.Error("Expected nothing stored after a failed encode")
	}

	t.Log("✓ Unserializable values rejected before any write")
}

// TestSetZeroTTLIsExpired verifies ttl <= 0 misses on the next Get
func TestSetZeroTTLIsExpired(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	for _, ttl := range []time.Duration{0, -time.Second} {
		key := fmt.Sprintf("ttl-%v", ttl)
		if err := m.Set(ctx, key, "v", WithTTL(ttl)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if _, ok := m.Get(ctx, key); ok {
			t.Errorf("Expected miss for ttl %v", ttl)
		}
	}

	t.Log("✓ Non-positive TTL behaves as already expired")
}

// TestGetInto verifies decoding into a caller type
func TestGetInto(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	type bandGap struct {
		Material string  `json:"material"`
		EV       float64 `json:"ev"`
	}

	if err := m.Set(ctx, "gap:Si", bandGap{Material: "Si", EV: 1.12}, L2Only()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var got bandGap
	ok, err := m.GetInto(ctx, "gap:Si", &got)
	if err != nil || !ok {
		t.Fatalf("GetInto failed: ok=%v err=%v", ok, err)
	}
	if got.Material != "Si" || got.EV != 1.12 {
		t.Errorf("Unexpected decoded value: %+v", got)
	}

	ok, err = m.GetInto(ctx, "gap:missing", &got)
	if ok || err != nil {
		t.Errorf("Expected clean miss, got ok=%v err=%v", ok, err)
	}

	t.Log("✓ GetInto decodes into caller types")
}

// TestRemove verifies removal from both tiers
func TestRemove(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	m := newTestManager(t, l2, nil)

	if err := m.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !m.Remove(ctx, "k") {
		t.Error("Expected Remove to report an existing key")
	}
	if l2.has("labcache:k") {
		t.Error("Expected key removed from L2")
	}
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Expected miss after Remove")
	}

	before := m.Stats()
	if m.Remove(ctx, "k") {
		t.Error("Expected Remove of an absent key to return false")
	}
	if m.Stats().Overall != before.Overall {
		t.Error("Remove of an absent key must not change counters")
	}

	t.Log("✓ Remove clears both tiers")
}

// TestClearScopedToNamespace verifies Clear leaves foreign keys alone
func TestClearScopedToNamespace(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	l2.put("other:keep", []byte(`{"v":1}`))
	m := newTestManager(t, l2, nil)

	for i := 0; i < 3; i++ {
		if err := m.Set(ctx, fmt.Sprintf("k%d", i), i); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	m.Clear(ctx)
	m.Clear(ctx)

	if m.Memory().Len() != 0 {
		t.Errorf("Expected empty L1, got %d entries", m.Memory().Len())
	}
	keys, _ := l2.ListKeys(ctx, "labcache:")
	if len(keys) != 0 {
		t.Errorf("Expected namespace cleared, got %v", keys)
	}
	if !l2.has("other:keep") {
		t.Error("Expected keys outside the namespace to survive")
	}

	t.Log("✓ Clear is idempotent and scoped to the namespace")
}

// TestClearFallsBackToPerKeyRemove verifies Clear survives a store that
// cannot clear by prefix
func TestClearFallsBackToPerKeyRemove(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	l2.clearErr = errors.New("prefix clear unsupported")
	m := newTestManager(t, l2, nil)

	for i := 0; i < 3; i++ {
		if err := m.Set(ctx, fmt.Sprintf("k%d", i), i); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	m.Clear(ctx)

	keys, _ := l2.ListKeys(ctx, "labcache:")
	if len(keys) != 0 {
		t.Errorf("Expected fallback to remove every key, got %v", keys)
	}

	t.Log("✓ Clear falls back to per-key removes")
}

// TestRemoteHitBackfillsBothTiers verifies an L3 hit fills L2 and L1
func TestRemoteHitBackfillsBothTiers(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	remote := newMockStore()
	m := newTestManager(t, l2, nil, WithRemote(remote, RemoteConfig{}))

	data, err := encodeEnvelope("remote-value", time.Time{})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	remote.put("labcache:shared", data)

	val, ok := m.Get(ctx, "shared")
	if !ok || val != "remote-value" {
		t.Fatalf("Expected remote value, got %v (found=%v)", val, ok)
	}
	if !l2.has("labcache:shared") {
		t.Error("Expected L2 backfill from L3")
	}
	if _, ok := m.Memory().Peek("shared"); !ok {
		t.Error("Expected L1 backfill from L3")
	}

	stats := m.Stats()
	if !stats.RemoteEnabled || stats.Tiers[TierRemote].Hits != 1 {
		t.Errorf("Expected 1 L3 hit, got %+v", stats.Tiers[TierRemote])
	}

	t.Log("✓ L3 hit backfills L2 and L1")
}

// TestRemoteWriteIsFireAndForget verifies L3 failures never fail Set
func TestRemoteWriteIsFireAndForget(t *testing.T) {
	ctx := context.Background()
	remote := newMockStore()
	remote.setErr = errors.New("remote unavailable")
	m := newTestManager(t, newMockStore(), nil, WithRemote(remote, RemoteConfig{}))

	if err := m.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Expected remote failure to be swallowed, got: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Remote().Flush(flushCtx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if remote.getSetCalls() == 0 {
		t.Error("Expected the remote write to be attempted")
	}

	t.Log("✓ L3 writes are fire-and-forget")
}

// TestRemoteRestrictedWritesSkipRemote verifies tier-restricted writes stay local
func TestRemoteRestrictedWritesSkipRemote(t *testing.T) {
	ctx := context.Background()
	remote := newMockStore()
	m := newTestManager(t, newMockStore(), nil, WithRemote(remote, RemoteConfig{}))

	_ = m.Set(ctx, "a", 1, L1Only())
	_ = m.Set(ctx, "b", 2, L2Only())
	_ = m.Remote().Flush(ctx)

	if remote.getSetCalls() != 0 {
		t.Errorf("Expected no remote writes, got %d", remote.getSetCalls())
	}

	t.Log("✓ Tier-restricted writes skip L3")
}

// TestRemoteRemoveWinsOverRetriedSet verifies a failed L3 write retried
// after a Remove cannot bring the key back
func TestRemoteRemoveWinsOverRetriedSet(t *testing.T) {
	ctx := context.Background()
	remote := newMockStore()
	remote.setFailures = 1
	m := newTestManager(t, newMockStore(), nil, WithRemote(remote, RemoteConfig{
		Workers: 4,
		Retry:   resilience.RetryConfig{MaxAttempts: 3, BaseDelay: 30 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}))

	if err := m.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	m.Remove(ctx, "k")

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Remote().Flush(flushCtx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if remote.has("labcache:k") {
		t.Error("Expected key absent from L3 after remove")
	}
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Expected miss after remove")
	}

	t.Log("✓ Remove wins over an earlier retried L3 write")
}

// TestStorageBackfillYieldsToRemove verifies an L2 read that loses a race
// with Remove does not put the removed value back into L1
func TestStorageBackfillYieldsToRemove(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()

	data, err := encodeEnvelope("stale", time.Time{})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	l2.put("labcache:k", data)

	var m *Manager
	var fired atomic.Bool
	l2.onGet = func(key string) {
		if fired.CompareAndSwap(false, true) {
			m.Remove(ctx, "k")
		}
	}
	m = newTestManager(t, l2, nil)

	m.Get(ctx, "k")

	if _, ok := m.Memory().Peek("k"); ok {
		t.Error("Expected no L1 backfill after a concurrent remove")
	}
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Expected miss after remove")
	}

	t.Log("✓ L2 backfill yields to a concurrent remove")
}

// TestRemoteBackfillYieldsToRemove verifies an L3 read that loses a race
// with Remove backfills neither L2 nor L1
func TestRemoteBackfillYieldsToRemove(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()
	remote := newMockStore()

	data, err := encodeEnvelope("stale", time.Time{})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	remote.put("labcache:k", data)

	var m *Manager
	var fired atomic.Bool
	remote.onGet = func(key string) {
		if fired.CompareAndSwap(false, true) {
			m.Remove(ctx, "k")
		}
	}
	m = newTestManager(t, l2, nil, WithRemote(remote, RemoteConfig{}))

	m.Get(ctx, "k")

	if l2.has("labcache:k") {
		t.Error("Expected no L2 backfill after a concurrent remove")
	}
	if _, ok := m.Memory().Peek("k"); ok {
		t.Error("Expected no L1 backfill after a concurrent remove")
	}

	t.Log("✓ L3 backfill yields to a concurrent remove")
}

// TestStorageBackfillYieldsToSet verifies a newer Set is not overwritten in
// L1 by the value an in-flight lookup read before it
func TestStorageBackfillYieldsToSet(t *testing.T) {
	ctx := context.Background()
	l2 := newMockStore()

	data, err := encodeEnvelope("old", time.Time{})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	l2.put("labcache:k", data)

	var m *Manager
	var fired atomic.Bool
	l2.onGet = func(key string) {
		if fired.CompareAndSwap(false, true) {
			_ = m.Set(ctx, "k", "new")
		}
	}
	m = newTestManager(t, l2, nil)

	m.Get(ctx, "k")

	val, ok := m.Get(ctx, "k")
	if !ok || val != "new" {
		t.Errorf("Expected the newer value, got %v (found=%v)", val, ok)
	}

	t.Log("✓ L2 backfill yields to a concurrent set")
}

// TestSlowRemoteIsBounded verifies the remote timeout caps lookup latency
func TestSlowRemoteIsBounded(t *testing.T) {
	ctx := context.Background()
	remote := newMockStore()
	remote.getDelay = 5 * time.Second
	m := newTestManager(t, newMockStore(), nil, WithRemote(remote, RemoteConfig{Timeout: 20 * time.Millisecond}))

	start := time.Now()
	if _, ok := m.Get(ctx, "slow"); ok {
		t.Error("Expected miss from a timed-out remote")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected lookup bounded by remote timeout, took %v", elapsed)
	}

	t.Log("✓ Slow remote bounded by timeout")
}

// TestWarmupContinuesPastFailures verifies one bad key cannot abort the batch
func TestWarmupContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	results := m.Warmup(ctx, []string{"k1", "k2"}, func(ctx context.Context, key string) (any, error) {
		if key == "k1" {
			return nil, errors.New("upstream table unavailable")
		}
		return "value-" + key, nil
	})

	if results.Errors != 1 || results.Loaded != 1 {
		t.Errorf("Expected 1 error and 1 loaded, got %+v", results)
	}
	if !results.HasErrors() || len(results.Failed()) != 1 || results.Failed()[0].Key != "k1" {
		t.Errorf("Expected k1 reported as failed, got %+v", results.Failed())
	}

	val, ok := m.Get(ctx, "k2")
	if !ok || val != "value-k2" {
		t.Errorf("Expected k2 to be warmed, got %v (found=%v)", val, ok)
	}
	if _, ok := m.Get(ctx, "k1"); ok {
		t.Error("Expected k1 to stay absent")
	}

	t.Log("✓ Warmup continues past individual failures")
}

// TestWarmupSkipsPresentKeys verifies keys in any tier are not refetched
func TestWarmupSkipsPresentKeys(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	_ = m.Set(ctx, "in-l1", 1, L1Only())
	_ = m.Set(ctx, "in-l2", 2, L2Only())

	var calls atomic.Int32
	results := m.Warmup(ctx, []string{"in-l1", "in-l2", "new", "new"}, func(ctx context.Context, key string) (any, error) {
		calls.Add(1)
		return key, nil
	})

	if calls.Load() != 1 {
		t.Errorf("Expected 1 fetch, got %d", calls.Load())
	}
	if results.Skipped != 2 || results.Loaded != 1 {
		t.Errorf("Expected 2 skipped and 1 loaded, got %+v", results)
	}
	if m.Stats().Overall.Hits+m.Stats().Overall.Misses != 0 {
		t.Error("Presence checks must not count as lookups")
	}

	t.Log("✓ Warmup skips keys already cached")
}

// TestWarmupRecoversPanics verifies a panicking fetcher is contained
func TestWarmupRecoversPanics(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	results := m.Warmup(ctx, []string{"boom", "ok"}, func(ctx context.Context, key string) (any, error) {
		if key == "boom" {
			panic("nil table")
		}
		return 1, nil
	})

	if results.Errors != 1 || results.Loaded != 1 {
		t.Errorf("Expected panic recorded as a failure, got %+v", results)
	}

	t.Log("✓ Warmup recovers fetcher panics")
}

// TestWarmupCancelledStopsScheduling verifies cancellation stops new fetches
func TestWarmupCancelledStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newTestManager(t, newMockStore(), nil)

	var calls atomic.Int32
	results := m.Warmup(ctx, []string{"a", "b", "c"}, func(ctx context.Context, key string) (any, error) {
		calls.Add(1)
		return key, nil
	})

	if calls.Load() != 0 {
		t.Errorf("Expected no fetches after cancellation, got %d", calls.Load())
	}
	if results.Cancelled != 3 {
		t.Errorf("Expected 3 cancelled keys, got %+v", results)
	}

	t.Log("✓ Cancelled warmup schedules nothing")
}

// TestWarmupCancelLetsIssuedFetchFinish verifies a fetch already running
// when warmup is cancelled still loads its key
func TestWarmupCancelLetsIssuedFetchFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, newMockStore(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan *WarmupResults, 1)
	go func() {
		done <- m.Warmup(ctx, []string{"slow"}, func(ctx context.Context, key string) (any, error) {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return "value-" + key, nil
		})
	}()

	<-started
	cancel()
	close(release)

	results := <-done
	if results.Loaded != 1 || results.Errors != 0 {
		t.Fatalf("Expected the issued fetch to load, got %+v", results)
	}
	if results.Results[0].Status != WarmupLoaded {
		t.Errorf("Expected status loaded, got %s", results.Results[0].Status)
	}
	if val, ok := m.Get(context.Background(), "slow"); !ok || val != "value-slow" {
		t.Errorf("Expected warmed value, got %v (found=%v)", val, ok)
	}

	t.Log("✓ Issued warmup fetch survives cancellation")
}

// TestWarmupBoundedConcurrency verifies the fetcher fan-out limit
func TestWarmupBoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), func(c *Config) {
		c.Warmup.Concurrency = 2
	})

	var inFlight, peak atomic.Int32
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}

	results := m.Warmup(ctx, keys, func(ctx context.Context, key string) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return key, nil
	})

	if results.Loaded != 10 {
		t.Errorf("Expected 10 loaded, got %+v", results)
	}
	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent fetches, saw %d", peak.Load())
	}

	t.Log("✓ Warmup respects concurrency bound")
}

// TestCachedSharesFetch verifies concurrent misses share one fetch
func TestCachedSharesFetch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (any, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "computed", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := m.Cached(ctx, "molar-mass:H2O", fetch)
			if err != nil || val != "computed" {
				t.Errorf("Unexpected result: %v, %v", val, err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected 1 fetch, got %d", calls.Load())
	}

	t.Log("✓ Cached deduplicates concurrent fetches")
}

// TestCachedCallerCancelDoesNotPoisonFlight verifies one caller giving up
// leaves the shared fetch running for the others
func TestCachedCallerCancelDoesNotPoisonFlight(t *testing.T) {
	m := newTestManager(t, newMockStore(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (any, error) {
		calls.Add(1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "computed", nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Cached(firstCtx, "k", fetch)
		firstErr <- err
	}()
	<-started

	type result struct {
		val any
		err error
	}
	second := make(chan result, 1)
	go func() {
		val, err := m.Cached(context.Background(), "k", fetch)
		second <- result{val, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled for the first caller, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled caller kept waiting on the shared fetch")
	}

	close(release)
	res := <-second
	if res.err != nil || res.val != "computed" {
		t.Errorf("Expected second caller to get the value, got %v, %v", res.val, res.err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 fetch, got %d", calls.Load())
	}
	if _, ok := m.Get(context.Background(), "k"); !ok {
		t.Error("Expected the fetched value to be cached")
	}

	t.Log("✓ Cancelled caller does not fail the shared fetch")
}

// TestCachedFetcherError verifies fetcher errors are returned and not stored
func TestCachedFetcherError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	want := errors.New("fetch failed")
	_, err := m.Cached(ctx, "k", func(ctx context.Context, key string) (any, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected fetcher error, got: %v", err)
	}
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Expected nothing stored after a fetch error")
	}

	t.Log("✓ Cached propagates fetcher errors")
}

// TestOverallStats verifies aggregate counters count one result per Get
func TestOverallStats(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), nil)

	if rate := m.Stats().Overall.HitRate; rate != 0 {
		t.Errorf("Expected hit rate 0 with no lookups, got %v", rate)
	}

	_ = m.Set(ctx, "k", "v")
	m.Get(ctx, "k")
	m.Get(ctx, "missing")

	stats := m.Stats()
	if stats.Overall.Hits != 1 || stats.Overall.Misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %+v", stats.Overall)
	}
	if stats.Overall.HitRate != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %v", stats.Overall.HitRate)
	}
	if stats.Size != 1 || stats.Capacity != 100 {
		t.Errorf("Unexpected size/capacity: %d/%d", stats.Size, stats.Capacity)
	}
	if _, ok := stats.Tiers[TierRemote]; ok {
		t.Error("Expected no remote section when L3 is disabled")
	}

	t.Log("✓ Aggregate stats count one result per Get")
}

// TestConcurrentAccess verifies thread safety
func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newMockStore(), func(c *Config) {
		c.Capacity = 8
	})

	var wg sync.WaitGroup
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.Set(ctx, fmt.Sprintf("key-%d", j%16), id*1000+j)
			}
		}(i)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Get(ctx, fmt.Sprintf("key-%d", j%16))
				if j%25 == 0 {
					m.Remove(ctx, fmt.Sprintf("key-%d", j%16))
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Concurrent access test timed out - possible deadlock")
	}

	if m.Memory().Len() > 8 {
		t.Errorf("Expected at most 8 entries, got %d", m.Memory().Len())
	}

	t.Log("✓ Concurrent access is thread-safe")
}

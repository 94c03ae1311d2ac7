package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// entry is one node of the recency list. prev/next belong to the store
// and never leave it.
type entry struct {
	key      string
	value    any
	expireAt time.Time // zero = never expires

	prev, next *entry
}

// LRUStore is the in-process tier: a capacity-bounded map plus a doubly
// linked list ordered from most to least recently used. Every operation
// that reads or moves nodes runs under a single mutex; counters are atomic
// so Stats never contends with lookups.
type LRUStore struct {
	capacity   int
	defaultTTL time.Duration

	mu    sync.Mutex
	items map[string]*entry
	head  *entry // sentinel, head.next is the MRU entry
	tail  *entry // sentinel, tail.prev is the LRU entry

	stats Counters
	now   func() time.Time

	// onEvict and onExpire run under mu and must not call back into the store
	onEvict  func(key string)
	onExpire func(key string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLRUStore creates an LRU tier. defaultTTL of zero means entries set
// without an explicit TTL never expire.
func NewLRUStore(capacity int, defaultTTL time.Duration) (*LRUStore, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be >= 1, got %d", ErrInvalidConfig, capacity)
	}
	if defaultTTL < 0 {
		return nil, fmt.Errorf("%w: default TTL must be >= 0, got %v", ErrInvalidConfig, defaultTTL)
	}

	s := &LRUStore{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		head:       &entry{},
		tail:       &entry{},
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	s.reset()
	return s, nil
}

// Get returns the value for key and marks it most recently used. Expired
// entries are dropped on discovery and reported as a miss.
func (s *LRUStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		s.stats.miss()
		return nil, false
	}

	if expired(e.expireAt, s.now()) {
		s.drop(e)
		s.stats.expire()
		s.stats.miss()
		if s.onExpire != nil {
			s.onExpire(key)
		}
		return nil, false
	}

	s.moveToFront(e)
	s.stats.hit()
	return e.value, true
}

// Peek reports the value for key without touching recency or counters.
// Expired entries read as absent but are left for Get or DeleteExpired.
func (s *LRUStore) Peek(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || expired(e.expireAt, s.now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key using the store's default TTL
func (s *LRUStore) Set(key string, value any) {
	s.set(key, value, s.defaultTTL, s.defaultTTL > 0)
}

// SetWithTTL stores value under key with an explicit TTL. A TTL of zero or
// less stores an entry that is already expired.
func (s *LRUStore) SetWithTTL(key string, value any, ttl time.Duration) {
	s.set(key, value, ttl, true)
}

func (s *LRUStore) set(key string, value any, ttl time.Duration, expires bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expireAt time.Time
	if expires {
		expireAt = s.now().Add(ttl)
	}

	if e, ok := s.items[key]; ok {
		e.value = value
		e.expireAt = expireAt
		s.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value, expireAt: expireAt}
	s.items[key] = e
	s.pushFront(e)

	if len(s.items) > s.capacity {
		oldest := s.tail.prev
		s.drop(oldest)
		s.stats.evict()
		if s.onEvict != nil {
			s.onEvict(oldest.key)
		}
	}
}

// Remove deletes key and reports whether it was present
func (s *LRUStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return false
	}
	s.drop(e)
	return true
}

// Clear empties the store. Counters are kept.
func (s *LRUStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// DeleteExpired removes every expired entry and returns how many went
func (s *LRUStore) DeleteExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for e := s.head.next; e != s.tail; {
		next := e.next
		if expired(e.expireAt, now) {
			s.drop(e)
			s.stats.expire()
			if s.onExpire != nil {
				s.onExpire(e.key)
			}
			removed++
		}
		e = next
	}
	return removed
}

// Len returns the number of entries, expired ones included until discovered
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Capacity returns the configured entry limit
func (s *LRUStore) Capacity() int {
	return s.capacity
}

// Keys returns the keys from most to least recently used
func (s *LRUStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for e := s.head.next; e != s.tail; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Stats returns a snapshot of the store's counters
func (s *LRUStore) Stats() CounterSnapshot {
	return s.stats.Snapshot()
}

// HitRate returns hits/(hits+misses) for this store
func (s *LRUStore) HitRate() float64 {
	return s.stats.HitRate()
}

// StartJanitor runs DeleteExpired every interval until ctx is done or the
// store is closed. A non-positive interval disables it.
func (s *LRUStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.DeleteExpired()
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Close stops the janitor. It is safe to call more than once.
func (s *LRUStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// reset re-links the sentinels (caller must hold lock)
func (s *LRUStore) reset() {
	s.items = make(map[string]*entry, s.capacity)
	s.head.next = s.tail
	s.tail.prev = s.head
}

// pushFront links e right after the head sentinel (caller must hold lock)
func (s *LRUStore) pushFront(e *entry) {
	e.prev = s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

// unlink detaches e from the list (caller must hold lock)
func (s *LRUStore) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (s *LRUStore) moveToFront(e *entry) {
	if s.head.next == e {
		return
	}
	s.unlink(e)
	s.pushFront(e)
}

// drop removes e from both the list and the index (caller must hold lock)
func (s *LRUStore) drop(e *entry) {
	s.unlink(e)
	delete(s.items, e.key)
}

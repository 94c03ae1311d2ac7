package cache

import "sync/atomic"

// Tier identifies one backing store in the hierarchy
type Tier string

const (
	TierMemory  Tier = "l1"
	TierStorage Tier = "l2"
	TierRemote  Tier = "l3"
)

// Counters holds append-only lookup counters. All methods are safe for
// concurrent use; readers never take the store lock.
type Counters struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

func (c *Counters) hit()    { c.hits.Add(1) }
func (c *Counters) miss()   { c.misses.Add(1) }
func (c *Counters) evict()  { c.evictions.Add(1) }
func (c *Counters) expire() { c.expirations.Add(1) }

// Snapshot returns a point-in-time copy of the counters
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// HitRate returns hits/(hits+misses), or 0 when nothing was looked up
func (c *Counters) HitRate() float64 {
	return c.Snapshot().HitRate()
}

// CounterSnapshot is an immutable copy of Counters
type CounterSnapshot struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// HitRate is computed from the snapshot itself so it can never drift from
// the counters it was taken with.
func (s CounterSnapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TierStats is the per-tier section of a Snapshot
type TierStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`
}

func newTierStats(s CounterSnapshot) TierStats {
	return TierStats{
		Hits:        s.Hits,
		Misses:      s.Misses,
		Evictions:   s.Evictions,
		Expirations: s.Expirations,
		HitRate:     s.HitRate(),
	}
}

// Snapshot is the result of Manager.Stats
type Snapshot struct {
	// Overall counts one hit or miss per Manager.Get
	Overall TierStats          `json:"overall"`
	Tiers   map[Tier]TierStats `json:"tiers"`

	Size          int  `json:"size"`
	Capacity      int  `json:"capacity"`
	RemoteEnabled bool `json:"remote_enabled"`
}

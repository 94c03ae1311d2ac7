package cache

import (
	"hash/fnv"
	"sync"
)

const guardStripes = 64

// writeGuard orders backfills against writes. Each key hashes to a stripe
// whose generation moves on every Set, Remove and Clear; a backfill only
// lands if its stripe has not moved since the lookup began.
type writeGuard struct {
	stripes [guardStripes]struct {
		mu  sync.Mutex
		gen uint64
	}
}

func (g *writeGuard) stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % guardStripes)
}

// snapshot returns the generation a later apply must match
func (g *writeGuard) snapshot(key string) uint64 {
	s := &g.stripes[g.stripe(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// bump must happen before the write it announces touches any tier
func (g *writeGuard) bump(key string) {
	s := &g.stripes[g.stripe(key)]
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

func (g *writeGuard) bumpAll() {
	for i := range g.stripes {
		s := &g.stripes[i]
		s.mu.Lock()
		s.gen++
		s.mu.Unlock()
	}
}

// apply runs fn with the stripe held if no write happened since gen, and
// reports whether it ran
func (g *writeGuard) apply(key string, gen uint64, fn func()) bool {
	s := &g.stripes[g.stripe(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return false
	}
	fn()
	return true
}

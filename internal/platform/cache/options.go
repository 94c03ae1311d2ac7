package cache

import (
	"fmt"
	"time"

	"github.com/agatticelli/labcache/internal/platform/observability"
)

// Config holds the Manager settings
type Config struct {
	// Capacity is the L1 entry limit
	Capacity int
	// MemoryTTL is the L1 default TTL and the cap on L1 lifetimes; 0 = none
	MemoryTTL time.Duration
	// StorageTTL is the L2 default TTL; 0 = entries never expire in L2
	StorageTTL time.Duration
	// StorageNamespace prefixes every L2/L3 key so Clear can scope itself
	StorageNamespace string
	// StorageTimeout bounds each L2 call
	StorageTimeout time.Duration
	// CleanupInterval is the L1 janitor period; 0 disables it
	CleanupInterval time.Duration

	Warmup WarmupConfig
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Capacity:         100,
		MemoryTTL:        5 * time.Minute,
		StorageTTL:       24 * time.Hour,
		StorageNamespace: "labcache:",
		StorageTimeout:   2 * time.Second,
		CleanupInterval:  time.Minute,
		Warmup:           DefaultWarmupConfig(),
	}
}

// Validate rejects settings New cannot honor
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be >= 1, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.MemoryTTL < 0 {
		return fmt.Errorf("%w: memory TTL must be >= 0, got %v", ErrInvalidConfig, c.MemoryTTL)
	}
	if c.StorageTTL < 0 {
		return fmt.Errorf("%w: storage TTL must be >= 0, got %v", ErrInvalidConfig, c.StorageTTL)
	}
	if c.StorageNamespace == "" {
		return fmt.Errorf("%w: storage namespace is required", ErrInvalidConfig)
	}
	if c.StorageTimeout < 0 {
		return fmt.Errorf("%w: storage timeout must be >= 0, got %v", ErrInvalidConfig, c.StorageTimeout)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup interval must be >= 0, got %v", ErrInvalidConfig, c.CleanupInterval)
	}
	if c.Warmup.Concurrency < 0 || c.Warmup.RatePerSecond < 0 {
		return fmt.Errorf("%w: warmup concurrency and rate must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Option customizes a Manager
type Option func(*Manager)

// WithRemote enables the L3 tier on store
func WithRemote(store Store, cfg RemoteConfig) Option {
	return func(m *Manager) {
		m.remoteStore = store
		m.remoteCfg = cfg
	}
}

func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.CacheMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithTracer(tracer observability.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithClock replaces time.Now for every tier's expiry checks
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type target int

const (
	targetAll target = iota
	targetMemory
	targetStorage
)

type setOptions struct {
	ttl    time.Duration
	hasTTL bool
	target target
}

// SetOption customizes a single Set
type SetOption func(*setOptions)

// WithTTL overrides the tier defaults for this entry. In L1 the TTL is
// still capped at MemoryTTL. A TTL of zero or less stores an entry that is
// already expired.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
		o.hasTTL = true
	}
}

// L1Only restricts the write to the in-process tier
func L1Only() SetOption {
	return func(o *setOptions) { o.target = targetMemory }
}

// L2Only restricts the write to the persistent tier
func L2Only() SetOption {
	return func(o *setOptions) { o.target = targetStorage }
}

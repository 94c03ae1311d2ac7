// Package cache implements the tiered cache used by the calculator catalog:
// an in-process LRU (L1) over a persistent store (L2) and an optional
// remote store (L3).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by a Store when a key is absent
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when a stored envelope cannot be decoded
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrInvalidConfig is returned by New when the configuration is unusable
	ErrInvalidConfig = errors.New("cache: invalid configuration")
)

// Store is the contract for the persistent (L2) and remote (L3) tiers.
// Stores deal in opaque envelopes; they never interpret the bytes.
type Store interface {
	// Get returns the envelope stored under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores an envelope under key, replacing any previous one
	Set(ctx context.Context, key string, data []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every key starting with prefix
	Clear(ctx context.Context, prefix string) error

	// ListKeys returns every key starting with prefix
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the store's resources
	Close() error
}

// envelope is the serialized form written to L2 and L3. The expiration
// travels with the value so each tier can judge freshness on its own.
type envelope struct {
	Value    json.RawMessage `json:"v"`
	ExpireAt int64           `json:"exp,omitempty"` // unix milliseconds, 0 = never
}

func encodeEnvelope(value any, expireAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	env := envelope{Value: raw}
	if !expireAt.IsZero() {
		env.ExpireAt = expireAt.UnixMilli()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (json.RawMessage, time.Time, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if len(env.Value) == 0 {
		return nil, time.Time{}, fmt.Errorf("%w: empty payload", ErrInvalidValue)
	}

	var expireAt time.Time
	if env.ExpireAt != 0 {
		expireAt = time.UnixMilli(env.ExpireAt)
	}
	return env.Value, expireAt, nil
}

// EnvelopeExpiry reports the expiration embedded in an envelope. Stores that
// support native expiry (Redis, DynamoDB) use it to set their own TTL.
func EnvelopeExpiry(data []byte) (time.Time, bool) {
	_, expireAt, err := decodeEnvelope(data)
	if err != nil || expireAt.IsZero() {
		return time.Time{}, false
	}
	return expireAt, true
}

// expired treats the deadline itself as past, so a zero or negative TTL is
// already stale on the next read.
func expired(expireAt, now time.Time) bool {
	return !expireAt.IsZero() && !now.Before(expireAt)
}

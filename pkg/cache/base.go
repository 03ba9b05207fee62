// Package cache defines the shared TTL cache contract used as the engine's
// middle cache tier and as the state machine's read-through tier.
//
// The contract is deliberately minimal: get/set/delete with a per-entry TTL.
// Absence and expiry are indistinguishable to callers, so an implementation
// may evict lazily. An empty cached value is never an authoritative
// "no such key" - callers fall through to the source of truth.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is the TTL cache contract.
type Store interface {
	// Get returns the value for key, or ErrNotFound when absent/expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for at most ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

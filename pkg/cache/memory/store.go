// Package memory provides a process-local map implementation of cache.Store.
// It exists as a test double and as a fallback when no shared cache is
// configured; production deployments use the badger store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store implements cache.Store with an in-process map. Expired entries are
// treated as absent on read and dropped lazily; there is no sweeper.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	// now is replaceable in tests to simulate expiry without sleeping.
	now func() time.Time
}

// New creates an in-memory cache store.
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the value for key, or cache.ErrNotFound when absent/expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, cache.ErrNotFound
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, cache.ErrNotFound
	}
	return e.value, nil
}

// Set stores value under key for at most ttl. A ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// SetClock replaces the store's clock; tests use it to simulate expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Package badger provides a cache.Store backed by Badger, a pure-Go
// embedded key-value store with native per-entry TTL. The store is durable
// across restarts and can be shared by every process on a host; a networked
// cache can replace it behind the same contract.
package badger

import (
	"context"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
)

// Store implements cache.Store using Badger.
type Store struct {
	db *badger.DB
}

// Config contains configuration for the Badger cache store.
type Config struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in memory; useful for tests and
	// single-process deployments.
	InMemory bool
}

// New opens a Badger-backed cache store.
func New(cfg *Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger cache: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value for key, or cache.ErrNotFound when absent/expired.
// Badger expires entries on read, so no sweeper is needed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger cache get: %w", err)
	}
	return value, nil
}

// Set stores value under key for at most ttl.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger cache set: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return fmt.Errorf("badger cache delete: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

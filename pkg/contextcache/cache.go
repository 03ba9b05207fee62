// Package contextcache assembles and caches per-user context bundles.
//
// Reads go through three tiers: a process-local ristretto cache, a shared
// TTL key-value store, and finally the relational store where the bundle is
// assembled from parallel sub-fetches. Hits in an outer tier repopulate the
// tiers in front of it. Writes to user data invalidate the two cache tiers
// only; the relational store remains the source of truth.
package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/errgroup"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

const (
	// DefaultLocalTTL is the process-local tier TTL.
	DefaultLocalTTL = 5 * time.Minute

	// DefaultSharedTTL is the shared tier TTL.
	DefaultSharedTTL = 30 * time.Minute

	// recentMemoryLimit is how many recent memories a fresh bundle carries.
	recentMemoryLimit = 10

	sharedKeyPrefix = "ctxbundle:"
)

// Stats reports per-tier cache activity.
type Stats struct {
	LocalHits  uint64
	SharedHits uint64
	Loads      uint64
}

// Config configures a Cache.
type Config struct {
	// LocalTTL is the process-local tier TTL. Zero means DefaultLocalTTL.
	LocalTTL time.Duration

	// SharedTTL is the shared tier TTL. Zero means DefaultSharedTTL.
	SharedTTL time.Duration
}

// Cache is the three-tier context bundle cache. It is safe for concurrent
// use.
type Cache struct {
	local     *ristretto.Cache
	shared    cache.Store
	store     storage.Store
	localTTL  time.Duration
	sharedTTL time.Duration
	logger    *slog.Logger

	localHits  atomic.Uint64
	sharedHits atomic.Uint64
	loads      atomic.Uint64
}

// New creates a Cache over the given shared tier and relational store.
// shared may be nil, in which case the cache runs with the local tier only.
func New(shared cache.Store, store storage.Store, cfg Config, logger *slog.Logger) (*Cache, error) {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultLocalTTL
	}
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = DefaultSharedTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		local:     local,
		shared:    shared,
		store:     store,
		localTTL:  cfg.LocalTTL,
		sharedTTL: cfg.SharedTTL,
		logger:    logger,
	}, nil
}

// Get returns the user's context bundle, consulting the tiers in order and
// repopulating the faster tiers on an outer hit.
func (c *Cache) Get(ctx context.Context, userID string) (*Bundle, error) {
	if val, ok := c.local.Get(userID); ok {
		if bundle, ok := val.(*Bundle); ok {
			c.localHits.Add(1)
			return bundle, nil
		}
	}

	if bundle := c.getShared(ctx, userID); bundle != nil {
		c.sharedHits.Add(1)
		c.setLocal(userID, bundle)
		return bundle, nil
	}

	bundle, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.loads.Add(1)

	c.setLocal(userID, bundle)
	c.setShared(ctx, userID, bundle)
	return bundle, nil
}

// GetFresh bypasses both cache tiers and rebuilds the bundle from the
// relational store, repopulating the tiers with the result. Use it when the
// caller knows the cached bundle is stale, for example right after an
// out-of-band write to the store.
func (c *Cache) GetFresh(ctx context.Context, userID string) (*Bundle, error) {
	bundle, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.loads.Add(1)

	c.setLocal(userID, bundle)
	c.setShared(ctx, userID, bundle)
	return bundle, nil
}

// Invalidate drops the user's bundle from both cache tiers. The relational
// store is untouched; the next Get rebuilds from it.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	c.local.Del(userID)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Delete(ctx, sharedKeyPrefix+userID); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

// Stats returns a snapshot of the per-tier counters.
func (c *Cache) Stats() Stats {
	return Stats{
		LocalHits:  c.localHits.Load(),
		SharedHits: c.sharedHits.Load(),
		Loads:      c.loads.Load(),
	}
}

// Close releases the local tier. The shared tier and relational store are
// owned by the caller.
func (c *Cache) Close() {
	c.local.Close()
}

func (c *Cache) setLocal(userID string, bundle *Bundle) {
	c.local.SetWithTTL(userID, bundle, 1, c.localTTL)
	// Ristretto admits asynchronously; wait so an immediate re-read hits.
	c.local.Wait()
}

func (c *Cache) getShared(ctx context.Context, userID string) *Bundle {
	if c.shared == nil {
		return nil
	}
	data, err := c.shared.Get(ctx, sharedKeyPrefix+userID)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Warn("shared context tier read failed", "user_id", userID, "error", err)
		}
		return nil
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		c.logger.Warn("shared context tier held malformed bundle", "user_id", userID, "error", err)
		return nil
	}
	return &bundle
}

func (c *Cache) setShared(ctx context.Context, userID string, bundle *Bundle) {
	if c.shared == nil {
		return
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		c.logger.Warn("context bundle marshal failed", "user_id", userID, "error", err)
		return
	}
	if err := c.shared.Set(ctx, sharedKeyPrefix+userID, data, c.sharedTTL); err != nil {
		c.logger.Warn("shared context tier write failed", "user_id", userID, "error", err)
	}
}

// load assembles a fresh bundle from the relational store. The sub-fetches
// run concurrently and each degrades to its empty value on failure, so a
// partially unavailable store still yields a usable bundle.
func (c *Cache) load(ctx context.Context, userID string) (*Bundle, error) {
	bundle := &Bundle{UserID: userID, FetchedAt: time.Now()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rec, err := c.store.GetMemory(gctx, userID, storage.CategoryProfile, storage.ProfileKey)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("profile fetch failed", "user_id", userID, "error", err)
			}
			return nil
		}
		bundle.ProfileText = rec.Value
		return nil
	})

	g.Go(func() error {
		state, err := c.store.GetState(gctx, userID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("state fetch failed", "user_id", userID, "error", err)
			}
			return nil
		}
		bundle.State = state
		return nil
	})

	g.Go(func() error {
		memories, err := c.store.GetRecentMemories(gctx, userID, recentMemoryLimit)
		if err != nil {
			c.logger.Warn("recent memories fetch failed", "user_id", userID, "error", err)
			return nil
		}
		bundle.RecentMemories = memories
		return nil
	})

	g.Go(func() error {
		rec, err := c.store.GetMemory(gctx, userID, storage.CategoryOnboarding, storage.OnboardingKey)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("onboarding fetch failed", "user_id", userID, "error", err)
			}
			return nil
		}
		bundle.Onboarding = rec.Value
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bundle, nil
}

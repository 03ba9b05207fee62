// Package batch collapses per-key database reads into grouped fetches.
//
// A conversation turn can need half a dozen memory rows; fetching them one
// query at a time multiplies round-trips. The Batcher fetches a key set in
// a single IN-style query and prefetches the standard per-user working set
// concurrently, counting how many round-trips each call avoided.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// prefetchMemoryLimit is how many recent memories PrefetchUserData pulls.
const prefetchMemoryLimit = 10

// UserData is the standard per-user working set assembled by
// PrefetchUserData. Fields a sub-fetch could not produce are zero.
type UserData struct {
	ProfileText    string
	RecentMemories []*storage.MemoryRecord
	Onboarding     string
}

// Batcher groups reads against a relational store. It is safe for
// concurrent use.
type Batcher struct {
	store  storage.Store
	logger *slog.Logger

	queriesSaved atomic.Uint64
}

// New creates a Batcher over store.
func New(store storage.Store, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{store: store, logger: logger}
}

// FetchMemories fetches the records for keys in one query, keyed by memory
// key in the result. Absent keys are simply missing from the map.
func (b *Batcher) FetchMemories(ctx context.Context, userID string, keys []string) (map[string]*storage.MemoryRecord, error) {
	if len(keys) == 0 {
		return map[string]*storage.MemoryRecord{}, nil
	}

	records, err := b.store.GetMemoriesByKeys(ctx, userID, keys)
	if err != nil {
		return nil, err
	}

	if len(keys) > 1 {
		b.queriesSaved.Add(uint64(len(keys) - 1))
	}

	out := make(map[string]*storage.MemoryRecord, len(records))
	for _, rec := range records {
		out[rec.Key] = rec
	}
	return out, nil
}

// PrefetchUserData runs the three standard per-user reads (profile text,
// recent memories, onboarding blob) concurrently. A failed sub-fetch is
// logged and leaves its field zero; the call itself only fails on context
// cancellation.
func (b *Batcher) PrefetchUserData(ctx context.Context, userID string) (*UserData, error) {
	data := &UserData{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rec, err := b.store.GetMemory(gctx, userID, storage.CategoryProfile, storage.ProfileKey)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				b.logger.Warn("profile prefetch failed", "user_id", userID, "error", err)
			}
			return gctx.Err()
		}
		data.ProfileText = rec.Value
		return nil
	})

	g.Go(func() error {
		records, err := b.store.GetRecentMemories(gctx, userID, prefetchMemoryLimit)
		if err != nil {
			b.logger.Warn("recent memories prefetch failed", "user_id", userID, "error", err)
			return gctx.Err()
		}
		data.RecentMemories = records
		return nil
	})

	g.Go(func() error {
		rec, err := b.store.GetMemory(gctx, userID, storage.CategoryOnboarding, storage.OnboardingKey)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				b.logger.Warn("onboarding prefetch failed", "user_id", userID, "error", err)
			}
			return gctx.Err()
		}
		data.Onboarding = rec.Value
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Three reads issued as one concurrent group instead of serially.
	b.queriesSaved.Add(2)
	return data, nil
}

// QueriesSaved reports how many database round-trips batching has avoided.
func (b *Batcher) QueriesSaved() uint64 {
	return b.queriesSaved.Load()
}

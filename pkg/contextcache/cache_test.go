package contextcache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache/memory"
	"github.com/RommanNadeem/companion-memory-go/pkg/contextcache"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// fakeStore is a minimal in-memory storage.Store for cache tests.
type fakeStore struct {
	memories    map[string]*storage.MemoryRecord // userID/category/key
	states      map[string]*storage.ConversationState
	failProfile bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories: make(map[string]*storage.MemoryRecord),
		states:   make(map[string]*storage.ConversationState),
	}
}

func memKey(userID, category, key string) string {
	return userID + "/" + category + "/" + key
}

func (f *fakeStore) UpsertMemory(ctx context.Context, rec *storage.MemoryRecord) error {
	f.memories[memKey(rec.UserID, rec.Category, rec.Key)] = rec
	return nil
}

func (f *fakeStore) GetMemory(ctx context.Context, userID, category, key string) (*storage.MemoryRecord, error) {
	if f.failProfile && category == storage.CategoryProfile {
		return nil, errors.New("backend unavailable")
	}
	rec, ok := f.memories[memKey(userID, category, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) GetMemoriesByKeys(ctx context.Context, userID string, keys []string) ([]*storage.MemoryRecord, error) {
	var out []*storage.MemoryRecord
	for _, key := range keys {
		for _, rec := range f.memories {
			if rec.UserID == userID && rec.Key == key {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetRecentMemories(ctx context.Context, userID string, limit int) ([]*storage.MemoryRecord, error) {
	var out []*storage.MemoryRecord
	for _, rec := range f.memories {
		if rec.UserID != userID {
			continue
		}
		if rec.Category == storage.CategoryProfile || rec.Category == storage.CategoryOnboarding {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteMemory(ctx context.Context, userID, category, key string) error {
	delete(f.memories, memKey(userID, category, key))
	return nil
}

func (f *fakeStore) GetState(ctx context.Context, userID string) (*storage.ConversationState, error) {
	state, ok := f.states[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return state, nil
}

func (f *fakeStore) UpsertState(ctx context.Context, state *storage.ConversationState) error {
	f.states[state.UserID] = state
	return nil
}

func (f *fakeStore) InsertSummary(ctx context.Context, rec *storage.SummaryRecord) error {
	return nil
}

func (f *fakeStore) GetRecentSummaries(ctx context.Context, userID string, limit int, finalOnly bool) ([]*storage.SummaryRecord, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func seedUser(t *testing.T, store *fakeStore, userID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertMemory(ctx, &storage.MemoryRecord{
		UserID: userID, Category: storage.CategoryProfile, Key: storage.ProfileKey,
		Value: "Sara, product designer",
	}))
	require.NoError(t, store.UpsertMemory(ctx, &storage.MemoryRecord{
		UserID: userID, Category: storage.CategoryInterest, Key: "painting",
		Value: "loves watercolor painting",
	}))
	require.NoError(t, store.UpsertState(ctx, &storage.ConversationState{
		UserID: userID, Stage: "ENGAGEMENT", TrustScore: 4.5,
	}))
}

func TestCacheLocalTierHit(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedUser(t, store, "u1")

	c, err := contextcache.New(memory.New(), store, contextcache.Config{}, nil)
	require.NoError(t, err)
	defer c.Close()

	first, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sara, product designer", first.ProfileText)
	assert.Equal(t, uint64(1), c.Stats().Loads)

	second, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, first, second, "immediate re-read must hit the local tier")
	assert.Equal(t, uint64(1), c.Stats().LocalHits)
	assert.Equal(t, uint64(1), c.Stats().Loads, "no second assembly")
}

func TestCacheSharedTierHitRepopulatesLocal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedUser(t, store, "u1")
	shared := memory.New()

	first, err := contextcache.New(shared, store, contextcache.Config{}, nil)
	require.NoError(t, err)
	_, err = first.Get(ctx, "u1")
	require.NoError(t, err)
	first.Close()

	// A second process sharing the same cache tier must not hit the store.
	second, err := contextcache.New(shared, store, contextcache.Config{}, nil)
	require.NoError(t, err)
	defer second.Close()

	bundle, err := second.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sara, product designer", bundle.ProfileText)
	assert.Equal(t, uint64(1), second.Stats().SharedHits)
	assert.Equal(t, uint64(0), second.Stats().Loads)

	_, err = second.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Stats().LocalHits, "shared hit must repopulate the local tier")
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedUser(t, store, "u1")

	c, err := contextcache.New(memory.New(), store, contextcache.Config{}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(ctx, "u1")
	require.NoError(t, err)

	// Profile changes in the store; caches must not serve the stale copy.
	require.NoError(t, store.UpsertMemory(ctx, &storage.MemoryRecord{
		UserID: "u1", Category: storage.CategoryProfile, Key: storage.ProfileKey,
		Value: "Sara, senior product designer",
	}))
	require.NoError(t, c.Invalidate(ctx, "u1"))

	bundle, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sara, senior product designer", bundle.ProfileText)
	assert.Equal(t, uint64(2), c.Stats().Loads)
}

func TestCacheGetFreshBypassesTiers(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedUser(t, store, "u1")

	c, err := contextcache.New(memory.New(), store, contextcache.Config{}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, store.UpsertMemory(ctx, &storage.MemoryRecord{
		UserID: "u1", Category: storage.CategoryProfile, Key: storage.ProfileKey,
		Value: "Sara, design lead",
	}))

	// A plain Get still serves the cached copy; GetFresh must not.
	stale, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sara, product designer", stale.ProfileText)

	fresh, err := c.GetFresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sara, design lead", fresh.ProfileText)
	assert.Equal(t, uint64(2), c.Stats().Loads)

	cached, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sara, design lead", cached.ProfileText, "refresh repopulates the tiers")
	assert.Equal(t, uint64(2), c.Stats().Loads)
}

func TestCachePartialFailureStillAssembles(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedUser(t, store, "u1")
	store.failProfile = true

	c, err := contextcache.New(nil, store, contextcache.Config{}, nil)
	require.NoError(t, err)
	defer c.Close()

	bundle, err := c.Get(ctx, "u1")
	require.NoError(t, err, "one failed sub-fetch must not fail the bundle")
	assert.Empty(t, bundle.ProfileText)
	require.NotNil(t, bundle.State)
	assert.Equal(t, "ENGAGEMENT", bundle.State.Stage)
	assert.NotEmpty(t, bundle.RecentMemories)
}

func TestBundleFormatForPrompt(t *testing.T) {
	last := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	bundle := &contextcache.Bundle{
		UserID:      "u1",
		ProfileText: "Sara, product designer",
		State: &storage.ConversationState{
			Stage:              "GUIDANCE",
			TrustScore:         6.2,
			LastSummary:        "Talked about her portfolio deadline.",
			LastTopics:         []string{"portfolio", "painting"},
			LastConversationAt: &last,
		},
	}
	for i := 0; i < 7; i++ {
		bundle.RecentMemories = append(bundle.RecentMemories, &storage.MemoryRecord{
			Category: storage.CategoryFact, Value: fmt.Sprintf("fact %d", i),
		})
	}

	out := bundle.FormatForPrompt()
	assert.Contains(t, out, "Sara, product designer")
	assert.Contains(t, out, "GUIDANCE")
	assert.Contains(t, out, "trust 6.2/10")
	assert.Contains(t, out, "portfolio, painting")
	assert.Contains(t, out, "Aug 20, 2026")
	assert.Contains(t, out, "fact 4")
	assert.NotContains(t, out, "fact 5", "at most five recent memories are rendered")
}

func TestBundleFormatForPromptEmpty(t *testing.T) {
	assert.Equal(t, "", (&contextcache.Bundle{UserID: "u1"}).FormatForPrompt())
	var nilBundle *contextcache.Bundle
	assert.Equal(t, "", nilBundle.FormatForPrompt())
	assert.True(t, (&contextcache.Bundle{}).IsEmpty())
}

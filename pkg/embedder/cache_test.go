package embedder_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/embedder"
	"github.com/RommanNadeem/companion-memory-go/pkg/embedder/mock"
)

func TestCachedDeduplicatesIdenticalTexts(t *testing.T) {
	ctx := context.Background()
	provider := mock.New(64)
	cached := embedder.NewCached(provider, 10)

	first, err := cached.Embed(ctx, "hello there")
	require.NoError(t, err)

	second, err := cached.Embed(ctx, "hello there")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), provider.Calls(), "second call should be served from cache")

	stats := cached.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestCachedEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	provider := mock.New(8)
	cached := embedder.NewCached(provider, 3)

	for i := 0; i < 3; i++ {
		_, err := cached.Embed(ctx, fmt.Sprintf("text-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, cached.Stats().Size)

	// Capacity reached; a fourth distinct text must evict text-0.
	_, err := cached.Embed(ctx, "text-3")
	require.NoError(t, err)
	assert.Equal(t, 3, cached.Stats().Size)

	calls := provider.Calls()
	_, err = cached.Embed(ctx, "text-0")
	require.NoError(t, err)
	assert.Equal(t, calls+1, provider.Calls(), "evicted oldest entry should require a refetch")

	// text-2 was inserted later and must still be cached.
	calls = provider.Calls()
	_, err = cached.Embed(ctx, "text-2")
	require.NoError(t, err)
	assert.Equal(t, calls, provider.Calls())
}

func TestCachedEmbedBatchFetchesOnlyMisses(t *testing.T) {
	ctx := context.Background()
	provider := mock.New(8)
	cached := embedder.NewCached(provider, 10)

	_, err := cached.Embed(ctx, "a")
	require.NoError(t, err)
	callsBefore := provider.Calls()

	vecs, err := cached.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.NotEmpty(t, v, "vector %d", i)
	}

	// One provider call covers both misses; "a" comes from the cache.
	assert.Equal(t, callsBefore+1, provider.Calls())

	// Everything cached now; a repeat batch makes no provider calls.
	callsBefore = provider.Calls()
	_, err = cached.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, callsBefore, provider.Calls())
}

func TestCachedDimensionsPassThrough(t *testing.T) {
	cached := embedder.NewCached(mock.New(256), 0)
	assert.Equal(t, 256, cached.Dimensions())
}

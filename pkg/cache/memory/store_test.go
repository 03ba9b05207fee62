package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
	"github.com/RommanNadeem/companion-memory-go/pkg/cache/memory"
)

func TestStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound, "expired entries must read as absent")
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	store := memory.New()
	assert.NoError(t, store.Delete(context.Background(), "missing"))
}

package badger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
	badgercache "github.com/RommanNadeem/companion-memory-go/pkg/cache/badger"
)

func newTestStore(t *testing.T) *badgercache.Store {
	t.Helper()
	store, err := badgercache.New(&badgercache.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerSetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

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

func TestBadgerTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 50*time.Millisecond))

	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound, "TTL-expired entries must read as absent")
}

func TestBadgerOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Set(ctx, "k", []byte("first"), 0))
	require.NoError(t, store.Set(ctx, "k", []byte("second"), 0))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), val)
}

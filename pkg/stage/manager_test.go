package stage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache/memory"
	"github.com/RommanNadeem/companion-memory-go/pkg/stage"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// stateStore is a storage.Store stub carrying only conversation state.
type stateStore struct {
	storage.Store

	states       map[string]*storage.ConversationState
	rejectWrites bool
	upserts      int
}

func newStateStore() *stateStore {
	return &stateStore{states: make(map[string]*storage.ConversationState)}
}

func (s *stateStore) GetState(ctx context.Context, userID string) (*storage.ConversationState, error) {
	state, ok := s.states[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *state
	return &copied, nil
}

func (s *stateStore) UpsertState(ctx context.Context, state *storage.ConversationState) error {
	s.upserts++
	if s.rejectWrites {
		return storage.ErrPermissionDenied
	}
	copied := *state
	s.states[state.UserID] = &copied
	return nil
}

func TestManagerDefaultState(t *testing.T) {
	mgr := stage.NewManager(newStateStore(), nil, 0, nil)

	state, err := mgr.GetState(context.Background(), "newcomer")
	require.NoError(t, err)
	assert.Equal(t, string(stage.Orientation), state.Stage)
	assert.Equal(t, stage.DefaultTrust, state.TrustScore)
	assert.Empty(t, state.StageHistory)
}

func TestManagerTrustClamping(t *testing.T) {
	ctx := context.Background()
	mgr := stage.NewManager(newStateStore(), nil, 0, nil)

	// 2.0 default, then +5 +5 +5 saturates at the ceiling.
	state, err := mgr.AdjustTrust(ctx, "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, 7.0, state.TrustScore)

	state, err = mgr.AdjustTrust(ctx, "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, 10.0, state.TrustScore)

	state, err = mgr.AdjustTrust(ctx, "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, 10.0, state.TrustScore)

	state, err = mgr.AdjustTrust(ctx, "u1", -25)
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.TrustScore)
}

func TestManagerAdvanceIsForwardOnlyAndTerminal(t *testing.T) {
	ctx := context.Background()
	mgr := stage.NewManager(newStateStore(), nil, 0, nil)

	want := []string{"ENGAGEMENT", "GUIDANCE", "REFLECTION", "INTEGRATION"}
	for _, expect := range want {
		state, err := mgr.Advance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, expect, state.Stage)
	}

	// Terminal stage stays put and records no further transitions.
	state, err := mgr.Advance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "INTEGRATION", state.Stage)
	assert.Len(t, state.StageHistory, 4)
	assert.Equal(t, "ORIENTATION", state.StageHistory[0].From)
	assert.Equal(t, "INTEGRATION", state.StageHistory[3].To)
}

func TestManagerCacheOnlyFallbackOnRejectedWrite(t *testing.T) {
	ctx := context.Background()
	store := newStateStore()
	store.rejectWrites = true
	mgr := stage.NewManager(store, memory.New(), 0, nil)

	state, err := mgr.AdjustTrust(ctx, "u1", 3)
	require.NoError(t, err, "a rejected write must not fail the conversation")
	assert.Equal(t, 5.0, state.TrustScore)
	assert.Equal(t, uint64(1), mgr.CacheOnlyWrites())
	assert.Equal(t, 1, store.upserts, "the store write is attempted, not retried")

	// The updated state survives in the cache tier.
	got, err := mgr.GetState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.TrustScore)
}

func TestManagerRecordSessionEnd(t *testing.T) {
	ctx := context.Background()
	mgr := stage.NewManager(newStateStore(), nil, 0, nil)

	endedAt := time.Date(2026, 8, 30, 21, 0, 0, 0, time.UTC)
	state, err := mgr.RecordSessionEnd(ctx, "u1", "Talked about the portfolio.", []string{"portfolio"}, endedAt)
	require.NoError(t, err)
	assert.Equal(t, "Talked about the portfolio.", state.LastSummary)
	assert.Equal(t, []string{"portfolio"}, state.LastTopics)
	require.NotNil(t, state.LastConversationAt)
	assert.True(t, state.LastConversationAt.Equal(endedAt))
}

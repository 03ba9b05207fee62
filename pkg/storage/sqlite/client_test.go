package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage/sqlite"
)

func newTestClient(t *testing.T) *sqlite.Client {
	t.Helper()
	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestMemoryUpsertRoundtrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	rec := &storage.MemoryRecord{
		ID: 1, UserID: "u1", Category: storage.CategoryFact,
		Key: "sister", Value: "has a sister in Karachi",
	}
	require.NoError(t, client.UpsertMemory(ctx, rec))

	got, err := client.GetMemory(ctx, "u1", storage.CategoryFact, "sister")
	require.NoError(t, err)
	assert.Equal(t, "has a sister in Karachi", got.Value)
	assert.False(t, got.CreatedAt.IsZero())

	// Same (user, category, key) replaces the value instead of duplicating.
	rec.Value = "her sister Amna lives in Karachi"
	require.NoError(t, client.UpsertMemory(ctx, rec))

	got, err = client.GetMemory(ctx, "u1", storage.CategoryFact, "sister")
	require.NoError(t, err)
	assert.Equal(t, "her sister Amna lives in Karachi", got.Value)
}

func TestMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.GetMemory(ctx, "u1", storage.CategoryFact, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = client.DeleteMemory(ctx, "u1", storage.CategoryFact, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryUsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.UpsertMemory(ctx, &storage.MemoryRecord{
		ID: 1, UserID: "u1", Category: storage.CategoryFact, Key: "k", Value: "v",
	}))

	_, err := client.GetMemory(ctx, "u2", storage.CategoryFact, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetMemoriesByKeys(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	seed := map[string]string{"a": "1", "b": "2", "c": "3"}
	id := int64(1)
	for k, v := range seed {
		require.NoError(t, client.UpsertMemory(ctx, &storage.MemoryRecord{
			ID: id, UserID: "u1", Category: storage.CategoryFact, Key: k, Value: v,
		}))
		id++
	}

	got, err := client.GetMemoriesByKeys(ctx, "u1", []string{"a", "c", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2, "absent keys are omitted, not errors")

	empty, err := client.GetMemoriesByKeys(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetRecentMemoriesExcludesReservedCategories(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.UpsertMemory(ctx, &storage.MemoryRecord{
		ID: 1, UserID: "u1", Category: storage.CategoryProfile,
		Key: storage.ProfileKey, Value: "profile text",
	}))
	require.NoError(t, client.UpsertMemory(ctx, &storage.MemoryRecord{
		ID: 2, UserID: "u1", Category: storage.CategoryOnboarding,
		Key: storage.OnboardingKey, Value: "{}",
	}))
	for i := 0; i < 4; i++ {
		require.NoError(t, client.UpsertMemory(ctx, &storage.MemoryRecord{
			ID: int64(10 + i), UserID: "u1", Category: storage.CategoryFact,
			Key: string(rune('a' + i)), Value: "v",
		}))
	}

	got, err := client.GetRecentMemories(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, rec := range got {
		assert.Equal(t, storage.CategoryFact, rec.Category)
	}
}

func TestDeleteMemory(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.UpsertMemory(ctx, &storage.MemoryRecord{
		ID: 1, UserID: "u1", Category: storage.CategoryFact, Key: "k", Value: "v",
	}))
	require.NoError(t, client.DeleteMemory(ctx, "u1", storage.CategoryFact, "k"))

	_, err := client.GetMemory(ctx, "u1", storage.CategoryFact, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStateRoundtrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.GetState(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	endedAt := time.Date(2026, 8, 30, 21, 0, 0, 0, time.UTC)
	state := &storage.ConversationState{
		UserID:     "u1",
		Stage:      "GUIDANCE",
		TrustScore: 6.5,
		StageHistory: []storage.StageTransition{
			{From: "ORIENTATION", To: "ENGAGEMENT", At: endedAt, TrustScore: 4},
			{From: "ENGAGEMENT", To: "GUIDANCE", At: endedAt, TrustScore: 6},
		},
		LastUserMessage:      "see you tomorrow",
		LastAssistantMessage: "take care!",
		LastSummary:          "Talked about the portfolio.",
		LastTopics:           []string{"portfolio", "painting"},
		LastConversationAt:   &endedAt,
	}
	require.NoError(t, client.UpsertState(ctx, state))

	got, err := client.GetState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "GUIDANCE", got.Stage)
	assert.Equal(t, 6.5, got.TrustScore)
	require.Len(t, got.StageHistory, 2)
	assert.Equal(t, "ENGAGEMENT", got.StageHistory[1].From)
	assert.Equal(t, []string{"portfolio", "painting"}, got.LastTopics)
	require.NotNil(t, got.LastConversationAt)
	assert.True(t, got.LastConversationAt.Equal(endedAt))

	// Second upsert overwrites the single row.
	state.Stage = "REFLECTION"
	require.NoError(t, client.UpsertState(ctx, state))
	got, err = client.GetState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "REFLECTION", got.Stage)
}

func TestSummariesAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	recs := []*storage.SummaryRecord{
		{ID: 1, UserID: "u1", SessionID: "s1", SummaryText: "first",
			KeyTopics: []string{"a"}, EmotionalTone: "neutral", TurnCount: 5},
		{ID: 2, UserID: "u1", SessionID: "s1", SummaryText: "second",
			EmotionalTone: "warm", TurnCount: 10, PreviousSummaryID: 1},
		{ID: 3, UserID: "u1", SessionID: "s1", SummaryText: "final",
			EmotionalTone: "warm", TurnCount: 12, IsFinal: true, PreviousSummaryID: 2},
	}
	for _, rec := range recs {
		require.NoError(t, client.InsertSummary(ctx, rec))
	}

	all, err := client.GetRecentSummaries(ctx, "u1", 10, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "final", all[0].SummaryText, "newest first")
	assert.Equal(t, int64(2), all[0].PreviousSummaryID)

	finals, err := client.GetRecentSummaries(ctx, "u1", 10, true)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.True(t, finals[0].IsFinal)

	limited, err := client.GetRecentSummaries(ctx, "u1", 2, false)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

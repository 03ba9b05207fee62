package summary_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/summary"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func newTestTracker(t *testing.T, provider *scriptedLLM, sink *summarySink, interval int) *summary.Tracker {
	t.Helper()
	return summary.NewTracker(newTestGenerator(t, provider, sink), interval, nil)
}

func recordTurns(t *testing.T, tr *summary.Tracker, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tr.RecordTurn(context.Background(), userID,
			fmt.Sprintf("user message %d", i), fmt.Sprintf("reply %d", i))
		require.NoError(t, err)
	}
}

func TestTrackerSummarizesEveryInterval(t *testing.T) {
	ctx := context.Background()
	sink := &summarySink{}
	tr := newTestTracker(t, &scriptedLLM{resp: goodJSON}, sink, 5)

	// Four turns stay buffered.
	recordTurns(t, tr, "u1", 4)
	assert.Empty(t, sink.inserted())

	// The fifth triggers an incremental summary covering all five.
	rec, err := tr.RecordTurn(ctx, "u1", "user message 4", "reply 4")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 5, rec.TurnCount)
	assert.False(t, rec.IsFinal)
	assert.Zero(t, rec.PreviousSummaryID)

	// Five more turns chain a second summary onto the first.
	recordTurns(t, tr, "u1", 5)
	inserted := sink.inserted()
	require.Len(t, inserted, 2)
	assert.Equal(t, 10, inserted[1].TurnCount)
	assert.Equal(t, inserted[0].ID, inserted[1].PreviousSummaryID)
}

func TestTrackerEndSessionWritesSingleFinal(t *testing.T) {
	ctx := context.Background()
	sink := &summarySink{}
	tr := newTestTracker(t, &scriptedLLM{resp: goodJSON}, sink, 5)

	recordTurns(t, tr, "u1", 7)

	final, err := tr.EndSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.True(t, final.IsFinal)
	assert.Equal(t, 7, final.TurnCount)

	inserted := sink.inserted()
	require.Len(t, inserted, 2)
	assert.Equal(t, inserted[0].ID, final.PreviousSummaryID, "final chains to the incremental summary")

	finals := 0
	for _, rec := range inserted {
		if rec.IsFinal {
			finals++
		}
	}
	assert.Equal(t, 1, finals)

	assert.Equal(t, 0, tr.ActiveSessions())
}

func TestTrackerEndSessionOnBoundarySkipsCompletion(t *testing.T) {
	ctx := context.Background()
	sink := &summarySink{}
	provider := &scriptedLLM{resp: goodJSON}
	tr := newTestTracker(t, provider, sink, 5)

	recordTurns(t, tr, "u1", 5)
	callsAfterIncremental := provider.callCount()

	final, err := tr.EndSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.True(t, final.IsFinal)
	assert.Equal(t, callsAfterIncremental, provider.callCount(),
		"a boundary-aligned final carries the last summary forward without another completion")
	assert.Equal(t, "Sara talked about her painting progress.", final.SummaryText)
}

func TestTrackerEndSessionWithoutTurns(t *testing.T) {
	tr := newTestTracker(t, &scriptedLLM{resp: goodJSON}, &summarySink{}, 5)

	final, err := tr.EndSession(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, final)

	// An opened but unused session closes silently as well.
	tr.StartSession("u1")
	final, err = tr.EndSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, final)
}

func TestTrackerSessionsAreIndependent(t *testing.T) {
	tr := newTestTracker(t, &scriptedLLM{resp: goodJSON}, &summarySink{}, 5)

	s1 := tr.StartSession("u1")
	s2 := tr.StartSession("u2")
	assert.NotEqual(t, s1, s2)
	assert.Equal(t, s1, tr.SessionID("u1"))
	assert.Equal(t, 2, tr.ActiveSessions())
}

func TestTrackerRequiresUserID(t *testing.T) {
	tr := newTestTracker(t, &scriptedLLM{resp: goodJSON}, &summarySink{}, 5)
	_, err := tr.RecordTurn(context.Background(), "", "hi", "hello")
	assert.Error(t, err)
}

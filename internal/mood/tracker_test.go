package mood

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordDefaults(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)

	entry, err := tracker.Record(context.Background(), Entry{
		ConversationID: "conv-1",
		UserID:         "user-1",
		Source:         SourceCheckIn,
		Score:          4,
		MaxScore:       CheckInMaxScore,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.RecordedAt.IsZero())
	assert.InDelta(t, 0.75, entry.Wellbeing, 0.001)
}

func TestTrackerRecordValidation(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)
	ctx := context.Background()

	if _, err := tracker.Record(ctx, Entry{Source: SourceCheckIn, Score: 3, MaxScore: 5}); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
	if _, err := tracker.Record(ctx, Entry{ConversationID: "c", Source: SourceCheckIn, Score: 3}); err == nil {
		t.Fatal("expected error for zero max score")
	}
	if _, err := tracker.Record(ctx, Entry{ConversationID: "c", Source: SourceCheckIn, Score: 9, MaxScore: 5}); err == nil {
		t.Fatal("expected error for out-of-range score")
	}
}

func TestTrackerRecordCheckInRange(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)
	ctx := context.Background()

	if _, err := tracker.RecordCheckIn(ctx, "conv-1", "user-1", 0, time.Now()); err == nil {
		t.Fatal("expected error for score 0")
	}
	if _, err := tracker.RecordCheckIn(ctx, "conv-1", "user-1", 6, time.Now()); err == nil {
		t.Fatal("expected error for score 6")
	}
	entry, err := tracker.RecordCheckIn(ctx, "conv-1", "user-1", 1, time.Now())
	require.NoError(t, err)
	assert.Zero(t, entry.Wellbeing)
}

func TestTrackerRecordResultCarriesSelfHarmFlag(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)

	result, err := Score(InstrumentPHQ9, []int{0, 0, 0, 0, 0, 0, 0, 0, 2})
	require.NoError(t, err)
	require.True(t, result.SelfHarmFlag)

	entry, err := tracker.RecordResult(context.Background(), "conv-1", "user-1", result, time.Now())
	require.NoError(t, err)

	assert.Equal(t, SourcePHQ9, entry.Source)
	assert.True(t, entry.SelfHarmFlag)
	assert.Equal(t, "Minimal depression", entry.Label)
}

func TestTrackerHistoryChronological(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i, score := range []int{2, 3, 4} {
		_, err := tracker.RecordCheckIn(ctx, "conv-1", "user-1", score, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	entries, err := tracker.History(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[0].Score)
	assert.Equal(t, 4, entries[2].Score)
}

func TestRecentTrendDeclining(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, score := range []int{5, 3, 1} {
		_, err := tracker.RecordCheckIn(ctx, "conv-1", "user-1", score, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	trend := tracker.RecentTrend(ctx, "conv-1")
	assert.True(t, trend.Declining)
	assert.False(t, trend.SelfHarmFlagged)
	assert.Equal(t, 3, trend.Entries)
}

func TestRecentTrendNotDeclining(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)
	ctx := context.Background()
	base := time.Now().UTC()

	tests := []struct {
		name   string
		scores []int
	}{
		{"improving", []int{1, 3, 5}},
		{"flat run", []int{3, 3, 3}},
		{"dip then recovery", []int{5, 2, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryEntryStore()
			tr := NewTracker(store, nil)
			for i, score := range tt.scores {
				_, err := tr.RecordCheckIn(ctx, "conv-1", "user-1", score, base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, err)
			}
			assert.False(t, tr.RecentTrend(ctx, "conv-1").Declining)
		})
	}

	// Two entries are not enough to call a decline.
	for i, score := range []int{5, 1} {
		_, err := tracker.RecordCheckIn(ctx, "conv-2", "user-1", score, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	assert.False(t, tracker.RecentTrend(ctx, "conv-2").Declining)
}

func TestRecentTrendSelfHarmFlagged(t *testing.T) {
	tracker := NewTracker(NewMemoryEntryStore(), nil)
	ctx := context.Background()

	result, err := Score(InstrumentPHQ9, []int{0, 0, 0, 0, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	_, err = tracker.RecordResult(ctx, "conv-1", "user-1", result, time.Now())
	require.NoError(t, err)

	trend := tracker.RecentTrend(ctx, "conv-1")
	assert.True(t, trend.SelfHarmFlagged)
	assert.False(t, trend.Declining)
}

func TestRecentTrendDegradesOnStoreError(t *testing.T) {
	tracker := NewTracker(failingEntryStore{}, nil)

	trend := tracker.RecentTrend(context.Background(), "conv-1")
	assert.False(t, trend.Declining)
	assert.False(t, trend.SelfHarmFlagged)
	assert.Zero(t, trend.Entries)
}

type failingEntryStore struct{}

func (failingEntryStore) Append(context.Context, Entry) error {
	return errors.New("store down")
}

func (failingEntryStore) History(context.Context, string, int) ([]Entry, error) {
	return nil, errors.New("store down")
}

package mood

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresEntryStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresEntryStore(db)

	mock.ExpectExec("INSERT INTO mood_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Append(context.Background(), Entry{
		ID:             "entry-1",
		ConversationID: "conv-1",
		UserID:         "user-1",
		Source:         SourceCheckIn,
		Score:          3,
		MaxScore:       5,
		Wellbeing:      0.5,
		RecordedAt:     time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEntryStore_HistoryReversesToChronological(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresEntryStore(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "conversation_id", "user_id", "source", "score", "max_score",
		"wellbeing", "label", "note", "self_harm_flag", "recorded_at",
	}).AddRow(
		"e2", "conv-1", "user-1", SourceCheckIn, 2, 5, 0.25, "", "", false, now,
	).AddRow(
		"e1", "conv-1", "user-1", SourceCheckIn, 4, 5, 0.75, "", "", false, now.Add(-time.Hour),
	)

	mock.ExpectQuery("SELECT (.+) FROM mood_entries").
		WillReturnRows(rows)

	entries, err := store.History(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "e1", entries[0].ID)
	assert.Equal(t, "e2", entries[1].ID)
}

func TestAssessmentStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewAssessmentStore(db)

	mock.ExpectExec("INSERT INTO assessments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := store.Save(context.Background(), AssessmentRecord{
		ConversationID: "conv-1",
		UserID:         "user-1",
		Instrument:     InstrumentPHQ9,
		Score:          7,
		Responses:      []int{1, 1, 1, 1, 1, 1, 1, 0, 0},
		Severity:       "Mild depression",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.RecordedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentStore_ListByConversation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewAssessmentStore(db)

	rows := sqlmock.NewRows([]string{
		"id", "conversation_id", "user_id", "instrument", "score",
		"responses", "severity", "recorded_at",
	}).AddRow(
		"a1", "conv-1", "user-1", InstrumentGAD7, 9,
		pq.Int64Array{1, 2, 1, 2, 1, 1, 1}, "Mild anxiety", time.Now().UTC(),
	)

	mock.ExpectQuery("SELECT (.+) FROM assessments").
		WillReturnRows(rows)

	records, err := store.ListByConversation(context.Background(), "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, InstrumentGAD7, records[0].Instrument)
	assert.Equal(t, []int{1, 2, 1, 2, 1, 1, 1}, records[0].Responses)
}

package escalationworker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmhealth/companion-platform/internal/archive"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/risk"
	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

type fakeS3 struct {
	mu     sync.Mutex
	puts   map[string][]byte
	putErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{puts: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errors.New("NoSuchKey")
}

func (f *fakeS3) record(t *testing.T) *archive.ConversationRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, body := range f.puts {
		if len(key) > 5 && key[len(key)-5:] == ".json" {
			var rec archive.ConversationRecord
			require.NoError(t, json.Unmarshal(body, &rec))
			return &rec
		}
	}
	t.Fatalf("no conversation record archived; keys: %v", f.puts)
	return nil
}

type fakeTranscripts struct {
	msgs []conversation.MessageRecord
}

func (f *fakeTranscripts) GetMessages(context.Context, string, int) ([]conversation.MessageRecord, error) {
	return f.msgs, nil
}

type fakeTrail struct {
	transitions []escalation.Transition
}

func (f *fakeTrail) ListByConversation(context.Context, string, int) ([]escalation.Transition, error) {
	return f.transitions, nil
}

func TestArchiveSweepArchivesResolvedCase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	caseID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WithArgs(support.StatusResolved, defaultArchiveBatchSize).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "conversation_id", "user_id", "channel", "region"}).
			AddRow(caseID.String(), "webchat:sess-9", "sess-9", "webchat", "AU"))
	mock.ExpectExec("UPDATE escalation_cases SET archived_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	transcripts := &fakeTranscripts{msgs: []conversation.MessageRecord{
		{Role: "user", Content: "reach me at kid@example.com", CreatedAt: now},
		{Role: "assistant", Content: "I hear you", CreatedAt: now.Add(time.Minute)},
	}}
	// Newest first, as the transition log returns them.
	trail := &fakeTrail{transitions: []escalation.Transition{
		{From: escalation.StateCrisis, To: escalation.StateCooldown, Tier: risk.TierNone, At: now.Add(time.Minute)},
		{From: escalation.StateNormal, To: escalation.StateCrisis, Tier: risk.TierCrisis, HardTrigger: true, At: now},
	}}

	s3Fake := newFakeS3()
	archiver := archive.NewArchiver(archive.NewStore(s3Fake, "cold-bucket", nil), nil)
	require.NotNil(t, archiver)

	sweep := NewArchiveSweep(db, archiver, transcripts, trail, logging.New("error"))
	require.NoError(t, sweep.SweepOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	rec := s3Fake.record(t)
	assert.Equal(t, "webchat:sess-9", rec.ConversationID)
	assert.Equal(t, "cooldown", rec.Outcome.FinalState, "trail must fold in chronological order")
	assert.Equal(t, "crisis", rec.Outcome.PeakTier)
	assert.True(t, rec.Outcome.HardTriggered)
	assert.True(t, rec.Outcome.CaseOpened)
	assert.Equal(t, 1, rec.Outcome.PayloadsServed)
	assert.Equal(t, "closed", rec.Outcome.Reason)
	assert.Equal(t, "reach me at [EMAIL]", rec.Messages[0].Content, "raw contact details never reach the bucket")
	assert.Equal(t, archive.HashUserID("sess-9"), rec.UserHash)
}

func TestArchiveSweepRetriesFailedArchive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows(
			[]string{"id", "conversation_id", "user_id", "channel", "region"}).
			AddRow(uuid.New().String(), "webchat:sess-10", "sess-10", "webchat", "AU")
	}
	// The store write fails, so the case stays unmarked and the next pass
	// picks it up again.
	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").WillReturnRows(rows())
	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").WillReturnRows(rows())

	s3Fake := newFakeS3()
	s3Fake.putErr = errors.New("bucket unavailable")
	archiver := archive.NewArchiver(archive.NewStore(s3Fake, "cold-bucket", nil), nil)

	sweep := NewArchiveSweep(db, archiver, &fakeTranscripts{}, &fakeTrail{}, logging.New("error"))
	require.NoError(t, sweep.SweepOnce(context.Background()))
	require.NoError(t, sweep.SweepOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

package mood

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresEntryStore persists mood entries to the mood_entries table.
type PostgresEntryStore struct {
	db *sql.DB
}

// NewPostgresEntryStore creates a store backed by the given database.
func NewPostgresEntryStore(db *sql.DB) *PostgresEntryStore {
	if db == nil {
		panic("mood: database handle cannot be nil")
	}
	return &PostgresEntryStore{db: db}
}

// Append implements EntryStore.
func (s *PostgresEntryStore) Append(ctx context.Context, entry Entry) error {
	query := `
		INSERT INTO mood_entries (
			id, conversation_id, user_id, source, score, max_score,
			wellbeing, label, note, self_harm_flag, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.ConversationID,
		entry.UserID,
		entry.Source,
		entry.Score,
		entry.MaxScore,
		entry.Wellbeing,
		nullable(entry.Label),
		nullable(entry.Note),
		entry.SelfHarmFlag,
		entry.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("mood: failed to insert entry: %w", err)
	}
	return nil
}

// History implements EntryStore. The most recent limit rows are returned in
// chronological order.
func (s *PostgresEntryStore) History(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	query := `
		SELECT id, conversation_id, user_id, source, score, max_score,
			   wellbeing, COALESCE(label, ''), COALESCE(note, ''),
			   self_harm_flag, recorded_at
		FROM mood_entries
		WHERE conversation_id = $1
		ORDER BY recorded_at DESC
	`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mood: failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.ConversationID, &e.UserID, &e.Source, &e.Score, &e.MaxScore,
			&e.Wellbeing, &e.Label, &e.Note, &e.SelfHarmFlag, &e.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("mood: failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; callers get oldest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

var _ EntryStore = (*PostgresEntryStore)(nil)

// AssessmentRecord is a completed screener stored for clinical history.
type AssessmentRecord struct {
	ID             string
	ConversationID string
	UserID         string
	Instrument     Instrument
	Score          int
	Responses      []int
	Severity       string
	RecordedAt     time.Time
}

// AssessmentStore persists completed screeners with their per-question
// responses.
type AssessmentStore struct {
	db *sql.DB
}

// NewAssessmentStore creates a store backed by the given database.
func NewAssessmentStore(db *sql.DB) *AssessmentStore {
	if db == nil {
		panic("mood: database handle cannot be nil")
	}
	return &AssessmentStore{db: db}
}

// Save appends one completed assessment.
func (s *AssessmentStore) Save(ctx context.Context, rec AssessmentRecord) (AssessmentRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	responses := make([]int64, len(rec.Responses))
	for i, r := range rec.Responses {
		responses[i] = int64(r)
	}

	query := `
		INSERT INTO assessments (
			id, conversation_id, user_id, instrument, score, responses,
			severity, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ConversationID,
		rec.UserID,
		rec.Instrument,
		rec.Score,
		pq.Array(responses),
		rec.Severity,
		rec.RecordedAt,
	)
	if err != nil {
		return AssessmentRecord{}, fmt.Errorf("mood: failed to insert assessment: %w", err)
	}
	return rec, nil
}

// ListByConversation returns assessments newest-first.
func (s *AssessmentStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]AssessmentRecord, error) {
	query := `
		SELECT id, conversation_id, user_id, instrument, score, responses,
			   severity, recorded_at
		FROM assessments
		WHERE conversation_id = $1
		ORDER BY recorded_at DESC
	`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mood: failed to query assessments: %w", err)
	}
	defer rows.Close()

	var records []AssessmentRecord
	for rows.Next() {
		var rec AssessmentRecord
		var responses pq.Int64Array
		err := rows.Scan(
			&rec.ID, &rec.ConversationID, &rec.UserID, &rec.Instrument,
			&rec.Score, &responses, &rec.Severity, &rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("mood: failed to scan assessment: %w", err)
		}
		rec.Responses = make([]int, len(responses))
		for i, r := range responses {
			rec.Responses[i] = int(r)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MemoryEntryStore is an in-process EntryStore for development and tests.
type MemoryEntryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryEntryStore creates an empty in-memory store.
func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[string][]Entry)}
}

// Append implements EntryStore.
func (s *MemoryEntryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ConversationID] = append(s.entries[entry.ConversationID], entry)
	return nil
}

// History implements EntryStore.
func (s *MemoryEntryStore) History(_ context.Context, conversationID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.entries[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, len(all))
	copy(out, all)
	return out, nil
}

var _ EntryStore = (*MemoryEntryStore)(nil)

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

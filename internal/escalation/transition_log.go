package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmhealth/companion-platform/internal/risk"
)

// TransitionLog is the append-only record of state-machine steps. Rows are
// never updated or deleted; the log is the audit trail reviewers and the
// counselor desk read from.
type TransitionLog interface {
	// Append stores one transition.
	Append(ctx context.Context, tr Transition) error
	// ListByConversation returns the most recent transitions for one
	// conversation, newest first.
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]Transition, error)
	// RecentCrisisEntries returns transitions into crisis since the given
	// time, newest first, across all conversations.
	RecentCrisisEntries(ctx context.Context, since time.Time, limit int) ([]Transition, error)
}

// PostgresTransitionLog persists transitions to the escalation_transitions
// table.
type PostgresTransitionLog struct {
	db *sql.DB
}

// NewPostgresTransitionLog creates a log backed by the given database.
func NewPostgresTransitionLog(db *sql.DB) *PostgresTransitionLog {
	if db == nil {
		panic("escalation: database handle cannot be nil")
	}
	return &PostgresTransitionLog{db: db}
}

// Append implements TransitionLog.
func (l *PostgresTransitionLog) Append(ctx context.Context, tr Transition) error {
	query := `
		INSERT INTO escalation_transitions (
			id, conversation_id, from_state, to_state, tier,
			hard_trigger, trigger_keyword, calm_streak, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := l.db.ExecContext(ctx, query,
		uuid.NewString(),
		tr.ConversationID,
		tr.From,
		tr.To,
		tr.Tier,
		tr.HardTrigger,
		nullableKeyword(tr.TriggerKeyword),
		tr.CalmStreak,
		tr.At,
	)
	if err != nil {
		return fmt.Errorf("escalation: failed to append transition: %w", err)
	}
	return nil
}

// ListByConversation implements TransitionLog.
func (l *PostgresTransitionLog) ListByConversation(ctx context.Context, conversationID string, limit int) ([]Transition, error) {
	query := `
		SELECT conversation_id, from_state, to_state, tier,
			   hard_trigger, trigger_keyword, calm_streak, occurred_at
		FROM escalation_transitions
		WHERE conversation_id = $1
		ORDER BY occurred_at DESC
	`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return l.queryTransitions(ctx, query, args...)
}

// RecentCrisisEntries implements TransitionLog.
func (l *PostgresTransitionLog) RecentCrisisEntries(ctx context.Context, since time.Time, limit int) ([]Transition, error) {
	query := `
		SELECT conversation_id, from_state, to_state, tier,
			   hard_trigger, trigger_keyword, calm_streak, occurred_at
		FROM escalation_transitions
		WHERE to_state = $1 AND from_state != $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
	`
	args := []interface{}{StateCrisis, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return l.queryTransitions(ctx, query, args...)
}

func (l *PostgresTransitionLog) queryTransitions(ctx context.Context, query string, args ...interface{}) ([]Transition, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escalation: failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		var keyword sql.NullString
		var tier string
		err := rows.Scan(
			&tr.ConversationID, &tr.From, &tr.To, &tier,
			&tr.HardTrigger, &keyword, &tr.CalmStreak, &tr.At,
		)
		if err != nil {
			return nil, fmt.Errorf("escalation: failed to scan transition: %w", err)
		}
		tr.Tier = risk.Tier(tier)
		tr.TriggerKeyword = keyword.String
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

var _ TransitionLog = (*PostgresTransitionLog)(nil)

// MemoryTransitionLog is an in-process TransitionLog for development and
// tests.
type MemoryTransitionLog struct {
	mu      sync.RWMutex
	entries []Transition
}

// NewMemoryTransitionLog creates an empty in-memory log.
func NewMemoryTransitionLog() *MemoryTransitionLog {
	return &MemoryTransitionLog{}
}

// Append implements TransitionLog.
func (l *MemoryTransitionLog) Append(_ context.Context, tr Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, tr)
	return nil
}

// ListByConversation implements TransitionLog.
func (l *MemoryTransitionLog) ListByConversation(_ context.Context, conversationID string, limit int) ([]Transition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transition
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ConversationID != conversationID {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RecentCrisisEntries implements TransitionLog.
func (l *MemoryTransitionLog) RecentCrisisEntries(_ context.Context, since time.Time, limit int) ([]Transition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transition
	for i := len(l.entries) - 1; i >= 0; i-- {
		tr := l.entries[i]
		if !tr.EnteredCrisis() || tr.At.Before(since) {
			continue
		}
		out = append(out, tr)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ TransitionLog = (*MemoryTransitionLog)(nil)

func nullableKeyword(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package mood

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Source labels where a mood entry came from.
type Source string

const (
	// SourceCheckIn is a quick 1-5 mood rating.
	SourceCheckIn Source = "checkin"
	// SourcePHQ9 and SourceGAD7 are completed screener totals.
	SourcePHQ9 Source = "phq9"
	SourceGAD7 Source = "gad7"
)

// CheckInMaxScore is the top of the quick mood rating scale.
const CheckInMaxScore = 5

// Entry is one append-only mood record.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Source         Source    `json:"source"`
	Score          int       `json:"score"`
	MaxScore       int       `json:"max_score"`
	// Wellbeing is the score normalized to 0..1 where higher is better,
	// comparable across sources.
	Wellbeing float64 `json:"wellbeing"`
	Label     string  `json:"label,omitempty"`
	Note      string  `json:"note,omitempty"`
	// SelfHarmFlag carries the PHQ-9 self-harm item into trend context.
	SelfHarmFlag bool      `json:"self_harm_flag,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// EntryStore persists mood entries. Appends only; entries are never updated.
type EntryStore interface {
	Append(ctx context.Context, entry Entry) error
	// History returns the most recent limit entries (all when limit <= 0)
	// in chronological order.
	History(ctx context.Context, conversationID string, limit int) ([]Entry, error)
}

// Trend summarizes recent mood movement for classifier context.
type Trend struct {
	// Declining is set when the recent wellbeing run is strictly falling.
	Declining bool
	// SelfHarmFlagged is set when any recent entry carries the PHQ-9
	// self-harm flag.
	SelfHarmFlagged bool
	Entries         int
}

// decliningRun is how many strictly falling wellbeing values mark a decline.
const decliningRun = 3

// Tracker records mood entries and derives the trend context.
type Tracker struct {
	store  EntryStore
	logger *logging.Logger
}

// NewTracker builds a tracker over the given store.
func NewTracker(store EntryStore, logger *logging.Logger) *Tracker {
	if store == nil {
		panic("mood: entry store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Record validates and appends one entry. Valid input never fails except on
// storage errors.
func (t *Tracker) Record(ctx context.Context, entry Entry) (Entry, error) {
	if strings.TrimSpace(entry.ConversationID) == "" {
		return Entry{}, fmt.Errorf("mood: conversation id required")
	}
	if entry.MaxScore <= 0 {
		return Entry{}, fmt.Errorf("mood: max score must be positive")
	}
	if entry.Score < 0 || entry.Score > entry.MaxScore {
		return Entry{}, fmt.Errorf("mood: score %d out of range 0-%d", entry.Score, entry.MaxScore)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	entry.Wellbeing = wellbeing(entry.Source, entry.Score, entry.MaxScore)

	if err := t.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("mood: failed to append entry: %w", err)
	}
	t.logger.Info("mood entry recorded",
		"conversation_id", entry.ConversationID,
		"source", entry.Source,
		"score", entry.Score,
	)
	return entry, nil
}

// RecordCheckIn appends a quick 1-5 rating.
func (t *Tracker) RecordCheckIn(ctx context.Context, conversationID, userID string, score int, at time.Time) (Entry, error) {
	if score < 1 || score > CheckInMaxScore {
		return Entry{}, fmt.Errorf("mood: check-in score %d out of range 1-%d", score, CheckInMaxScore)
	}
	return t.Record(ctx, Entry{
		ConversationID: conversationID,
		UserID:         userID,
		Source:         SourceCheckIn,
		Score:          score,
		MaxScore:       CheckInMaxScore,
		RecordedAt:     at,
	})
}

// ParseCheckInScore reads a 1-5 mood rating out of a free-text reply. It
// accepts a bare number, "4/5", or a number leading the message ("3, rough
// day"). Anything else is not an answer.
func ParseCheckInScore(text string) (int, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0, false
	}
	tok := strings.TrimRight(fields[0], ".,!?")
	tok = strings.TrimSuffix(tok, "/5")
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 || n > CheckInMaxScore {
		return 0, false
	}
	return n, true
}

// RecordResult appends a completed screener outcome.
func (t *Tracker) RecordResult(ctx context.Context, conversationID, userID string, result Result, at time.Time) (Entry, error) {
	source := SourcePHQ9
	if result.Instrument == InstrumentGAD7 {
		source = SourceGAD7
	}
	return t.Record(ctx, Entry{
		ConversationID: conversationID,
		UserID:         userID,
		Source:         source,
		Score:          result.Score,
		MaxScore:       result.MaxScore,
		Label:          result.Severity,
		SelfHarmFlag:   result.SelfHarmFlag,
		RecordedAt:     at,
	})
}

// History returns entries oldest-first.
func (t *Tracker) History(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	entries, err := t.store.History(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("mood: failed to load history: %w", err)
	}
	return entries, nil
}

// RecentTrend inspects the last few entries for classifier context. Storage
// errors degrade to an empty trend so a history outage never blocks the
// message pipeline.
func (t *Tracker) RecentTrend(ctx context.Context, conversationID string) Trend {
	entries, err := t.store.History(ctx, conversationID, decliningRun)
	if err != nil {
		t.logger.Error("mood trend lookup failed", "error", err, "conversation_id", conversationID)
		return Trend{}
	}

	trend := Trend{Entries: len(entries)}
	for _, e := range entries {
		if e.SelfHarmFlag {
			trend.SelfHarmFlagged = true
		}
	}
	if len(entries) < decliningRun {
		return trend
	}
	declining := true
	for i := 1; i < len(entries); i++ {
		if entries[i].Wellbeing >= entries[i-1].Wellbeing {
			declining = false
			break
		}
	}
	trend.Declining = declining
	return trend
}

// wellbeing maps a raw score onto 0..1 where higher means better. Check-in
// scores already point that way; screener totals point the other way.
func wellbeing(source Source, score, maxScore int) float64 {
	switch source {
	case SourceCheckIn:
		if maxScore <= 1 {
			return 1
		}
		return float64(score-1) / float64(maxScore-1)
	default:
		return 1 - float64(score)/float64(maxScore)
	}
}

package support

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Default section sizes for a handoff bundle.
const (
	handoffMessageLimit    = 30
	handoffMoodLimit       = 10
	handoffTransitionLimit = 20
)

// decliningRunLen is how many strictly falling wellbeing values in a row
// mark the mood section as declining.
const decliningRunLen = 3

// HandoffBundle is the context package a counselor sees when picking a case
// up: the recent transcript with contact details scrubbed, the mood trend,
// and the escalation history. Everything in it is safe to email.
type HandoffBundle struct {
	ConversationID string
	GeneratedAt    time.Time
	Messages       []BundleMessage
	Mood           BundleMood
	Transitions    []BundleTransition
}

// BundleMessage is one redacted transcript line, in chronological order.
type BundleMessage struct {
	Role string
	Body string
	At   time.Time
}

// BundleMood carries the recent mood entries and the derived direction.
type BundleMood struct {
	Declining       bool
	SelfHarmFlagged bool
	Entries         []BundleMoodEntry
}

// BundleMoodEntry is one mood reading, oldest first.
type BundleMoodEntry struct {
	Source    string
	Score     int
	MaxScore  int
	Wellbeing float64
	At        time.Time
}

// BundleTransition is one escalation state change, oldest first.
type BundleTransition struct {
	From        string
	To          string
	Tier        string
	HardTrigger bool
	At          time.Time
}

// HandoffService assembles handoff bundles from the conversation, mood, and
// transition tables.
type HandoffService struct {
	db     *sql.DB
	logger *logging.Logger
	redact func(string) string
	now    func() time.Time
}

// NewHandoffService creates a bundle builder. redact scrubs each transcript
// line before it leaves the conversation store; pass the audit redactor.
func NewHandoffService(db *sql.DB, redact func(string) string, logger *logging.Logger) *HandoffService {
	if db == nil {
		panic("support: handoff service requires a database")
	}
	if redact == nil {
		panic("support: handoff service requires a redactor")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HandoffService{
		db:     db,
		logger: logger,
		redact: redact,
		now:    time.Now,
	}
}

// BuildBundle implements BundleSource. messageLimit <= 0 uses the default
// transcript depth.
func (s *HandoffService) BuildBundle(ctx context.Context, conversationID string, messageLimit int) (*HandoffBundle, error) {
	ctx, span := caseTracer.Start(ctx, "support.build_bundle")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	if messageLimit <= 0 {
		messageLimit = handoffMessageLimit
	}

	bundle := &HandoffBundle{
		ConversationID: conversationID,
		GeneratedAt:    s.now(),
	}

	messages, err := s.recentMessages(ctx, conversationID, messageLimit)
	if err != nil {
		return nil, fmt.Errorf("support: load transcript: %w", err)
	}
	bundle.Messages = messages

	mood, err := s.recentMood(ctx, conversationID, handoffMoodLimit)
	if err != nil {
		return nil, fmt.Errorf("support: load mood history: %w", err)
	}
	bundle.Mood = mood

	transitions, err := s.recentTransitions(ctx, conversationID, handoffTransitionLimit)
	if err != nil {
		return nil, fmt.Errorf("support: load transitions: %w", err)
	}
	bundle.Transitions = transitions

	return bundle, nil
}

func (s *HandoffService) recentMessages(ctx context.Context, conversationID string, limit int) ([]BundleMessage, error) {
	query := `
		SELECT role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []BundleMessage
	for rows.Next() {
		var m BundleMessage
		var body string
		if err := rows.Scan(&m.Role, &body, &m.At); err != nil {
			return nil, err
		}
		m.Body = s.redact(body)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseMessages(messages)
	return messages, nil
}

func (s *HandoffService) recentMood(ctx context.Context, conversationID string, limit int) (BundleMood, error) {
	query := `
		SELECT source, score, max_score, wellbeing, self_harm_flag, recorded_at
		FROM mood_entries
		WHERE conversation_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return BundleMood{}, err
	}
	defer rows.Close()

	var mood BundleMood
	for rows.Next() {
		var e BundleMoodEntry
		var selfHarm bool
		if err := rows.Scan(&e.Source, &e.Score, &e.MaxScore, &e.Wellbeing, &selfHarm, &e.At); err != nil {
			return BundleMood{}, err
		}
		if selfHarm {
			mood.SelfHarmFlagged = true
		}
		mood.Entries = append(mood.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return BundleMood{}, err
	}

	reverseMoodEntries(mood.Entries)
	mood.Declining = moodDeclining(mood.Entries)
	return mood, nil
}

func (s *HandoffService) recentTransitions(ctx context.Context, conversationID string, limit int) ([]BundleTransition, error) {
	query := `
		SELECT from_state, to_state, tier, hard_trigger, occurred_at
		FROM escalation_transitions
		WHERE conversation_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []BundleTransition
	for rows.Next() {
		var tr BundleTransition
		if err := rows.Scan(&tr.From, &tr.To, &tr.Tier, &tr.HardTrigger, &tr.At); err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseTransitions(transitions)
	return transitions, nil
}

// moodDeclining reports whether the most recent wellbeing values form a
// strictly falling run.
func moodDeclining(entries []BundleMoodEntry) bool {
	if len(entries) < decliningRunLen {
		return false
	}
	tail := entries[len(entries)-decliningRunLen:]
	for i := 1; i < len(tail); i++ {
		if tail[i].Wellbeing >= tail[i-1].Wellbeing {
			return false
		}
	}
	return true
}

func reverseMessages(s []BundleMessage) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseMoodEntries(s []BundleMoodEntry) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseTransitions(s []BundleTransition) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// FormatPlainText renders the bundle for the case notification email.
func (b *HandoffBundle) FormatPlainText() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("--- Handoff bundle (conversation %s) ---\n", b.ConversationID))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", b.GeneratedAt.Format(time.RFC1123)))

	sb.WriteString("Mood:")
	if b.Mood.Declining {
		sb.WriteString(" declining")
	} else {
		sb.WriteString(" stable")
	}
	if b.Mood.SelfHarmFlagged {
		sb.WriteString(", self-harm flagged")
	}
	sb.WriteString(fmt.Sprintf(" (%d entries)\n", len(b.Mood.Entries)))
	for _, e := range b.Mood.Entries {
		sb.WriteString(fmt.Sprintf("  %s  %-12s %d/%d (%.2f)\n",
			e.At.Format("Jan 2 15:04"), e.Source, e.Score, e.MaxScore, e.Wellbeing))
	}

	sb.WriteString("\nEscalation history:\n")
	if len(b.Transitions) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, tr := range b.Transitions {
		line := fmt.Sprintf("  %s  %s -> %s (tier %s", tr.At.Format("Jan 2 15:04"), tr.From, tr.To, tr.Tier)
		if tr.HardTrigger {
			line += ", hard trigger"
		}
		line += ")\n"
		sb.WriteString(line)
	}

	sb.WriteString("\nRecent messages (redacted):\n")
	if len(b.Messages) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, m := range b.Messages {
		sb.WriteString(fmt.Sprintf("  [%s] %s: %s\n", m.At.Format("15:04"), m.Role, m.Body))
	}

	return sb.String()
}

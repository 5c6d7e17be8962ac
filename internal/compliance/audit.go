// Package compliance provides the safety audit trail and user-facing
// disclaimers.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of safety event.
type AuditEventType string

const (
	// EventCrisisPayloadServed is logged whenever the fixed safety payload
	// goes out.
	EventCrisisPayloadServed AuditEventType = "safety.crisis_payload_served"
	// EventStateChanged is logged on every escalation state change.
	EventStateChanged AuditEventType = "safety.state_changed"
	// EventFailedClosed is logged when a storage or pipeline failure forced
	// the fixed payload instead of normal processing.
	EventFailedClosed AuditEventType = "safety.failed_closed"
	// EventReplyGuardModified is logged when the reply guard edits or blocks
	// a generative draft.
	EventReplyGuardModified AuditEventType = "safety.reply_guard_modified"
	// EventDisclaimerSent is logged when a disclaimer is added to a message.
	EventDisclaimerSent AuditEventType = "safety.disclaimer_sent"
	// EventScreenerCompleted is logged when a PHQ-9 or GAD-7 run finishes.
	EventScreenerCompleted AuditEventType = "safety.screener_completed"
	// EventCounselorNotified is logged when on-call staff were paged.
	EventCounselorNotified AuditEventType = "safety.counselor_notified"
)

// AuditEvent represents an immutable safety audit record. Message text is
// stored redacted; raw user text never lands in the audit table.
type AuditEvent struct {
	ID             string          `json:"id"`
	EventType      AuditEventType  `json:"event_type"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditDetails contains event-specific details.
type AuditDetails struct {
	// For crisis payload served / state changed
	Tier           string `json:"tier,omitempty"`
	FromState      string `json:"from_state,omitempty"`
	ToState        string `json:"to_state,omitempty"`
	HardTrigger    bool   `json:"hard_trigger,omitempty"`
	TriggerKeyword string `json:"trigger_keyword,omitempty"`
	PayloadID      string `json:"payload_id,omitempty"`

	// For failed closed
	FailureReason string `json:"failure_reason,omitempty"`

	// For reply guard
	GuardReasons []string `json:"guard_reasons,omitempty"`

	// For disclaimer sent
	DisclaimerLevel string `json:"disclaimer_level,omitempty"`

	// For screener completed
	Instrument   string `json:"instrument,omitempty"`
	Score        int    `json:"score,omitempty"`
	Severity     string `json:"severity,omitempty"`
	SelfHarmFlag bool   `json:"self_harm_flag,omitempty"`

	// For counselor notified
	Recipients []string `json:"recipients,omitempty"`
}

// AuditService handles safety audit logging.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records a safety audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO safety_audit_events (
			id, event_type, conversation_id, user_id, channel, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.ConversationID,
		nullString(event.UserID),
		nullString(event.Channel),
		event.Details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}

	return nil
}

// LogCrisisPayloadServed logs that the fixed payload went out.
func (s *AuditService) LogCrisisPayloadServed(ctx context.Context, conversationID, userID, channel, tier, keyword, payloadID string, hardTrigger bool) error {
	details := AuditDetails{
		Tier:           tier,
		HardTrigger:    hardTrigger,
		TriggerKeyword: keyword,
		PayloadID:      payloadID,
	}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventCrisisPayloadServed,
		ConversationID: conversationID,
		UserID:         userID,
		Channel:        channel,
		Details:        detailsJSON,
	})
}

// LogStateChanged logs an escalation state change.
func (s *AuditService) LogStateChanged(ctx context.Context, conversationID, fromState, toState, tier string, hardTrigger bool) error {
	details := AuditDetails{
		FromState:   fromState,
		ToState:     toState,
		Tier:        tier,
		HardTrigger: hardTrigger,
	}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventStateChanged,
		ConversationID: conversationID,
		Details:        detailsJSON,
	})
}

// LogFailedClosed logs that a failure forced the fixed payload.
func (s *AuditService) LogFailedClosed(ctx context.Context, conversationID, reason string) error {
	details := AuditDetails{FailureReason: reason}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventFailedClosed,
		ConversationID: conversationID,
		Details:        detailsJSON,
	})
}

// LogReplyGuardModified logs a guard edit or block of a generative draft.
func (s *AuditService) LogReplyGuardModified(ctx context.Context, conversationID string, reasons []string) error {
	details := AuditDetails{GuardReasons: reasons}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventReplyGuardModified,
		ConversationID: conversationID,
		Details:        detailsJSON,
	})
}

// LogDisclaimerSent logs when a disclaimer is added to a message.
func (s *AuditService) LogDisclaimerSent(ctx context.Context, conversationID, userID, level string) error {
	details := AuditDetails{DisclaimerLevel: level}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventDisclaimerSent,
		ConversationID: conversationID,
		UserID:         userID,
		Details:        detailsJSON,
	})
}

// LogScreenerCompleted logs a finished PHQ-9 or GAD-7 run. Scores are
// clinical history, not message text, so they are stored as-is.
func (s *AuditService) LogScreenerCompleted(ctx context.Context, conversationID, userID, instrument string, score int, severity string, selfHarmFlag bool) error {
	details := AuditDetails{
		Instrument:   instrument,
		Score:        score,
		Severity:     severity,
		SelfHarmFlag: selfHarmFlag,
	}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventScreenerCompleted,
		ConversationID: conversationID,
		UserID:         userID,
		Details:        detailsJSON,
	})
}

// LogCounselorNotified logs that on-call staff were notified.
func (s *AuditService) LogCounselorNotified(ctx context.Context, conversationID string, recipients []string) error {
	details := AuditDetails{Recipients: recipients}
	detailsJSON, _ := json.Marshal(details)

	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventCounselorNotified,
		ConversationID: conversationID,
		Details:        detailsJSON,
	})
}

// QueryEvents retrieves audit events with filters.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, conversation_id, user_id, channel, details, created_at
		FROM safety_audit_events
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if filter.ConversationID != "" {
		query += fmt.Sprintf(" AND conversation_id = $%d", argIdx)
		args = append(args, filter.ConversationID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var userID, channel sql.NullString
		err := rows.Scan(&e.ID, &e.EventType, &e.ConversationID, &userID, &channel, &e.Details, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.UserID = userID.String
		e.Channel = channel.String
		events = append(events, e)
	}

	return events, rows.Err()
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	ConversationID string
	EventType      AuditEventType
	StartTime      time.Time
	EndTime        time.Time
	Limit          int
	Offset         int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

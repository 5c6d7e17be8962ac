package compliance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_LogEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	tests := []struct {
		name  string
		event AuditEvent
	}{
		{
			name: "log crisis payload served",
			event: AuditEvent{
				EventType:      EventCrisisPayloadServed,
				ConversationID: "conv-123",
				Channel:        "telegram",
				Details:        json.RawMessage(`{"tier": "crisis", "payload_id": "au-crisis-v1"}`),
			},
		},
		{
			name: "log state changed",
			event: AuditEvent{
				EventType:      EventStateChanged,
				ConversationID: "conv-456",
				Details:        json.RawMessage(`{"from_state": "normal", "to_state": "crisis"}`),
			},
		},
		{
			name: "log failed closed",
			event: AuditEvent{
				EventType:      EventFailedClosed,
				ConversationID: "conv-789",
				Details:        json.RawMessage(`{"failure_reason": "state store unavailable"}`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectExec("INSERT INTO safety_audit_events").
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := service.LogEvent(context.Background(), tt.event)
			assert.NoError(t, err)
		})
	}
}

func TestAuditService_LogCrisisPayloadServed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	mock.ExpectExec("INSERT INTO safety_audit_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = service.LogCrisisPayloadServed(
		context.Background(),
		"conv-123",
		"user-456",
		"telegram",
		"crisis",
		"pills ready",
		"au-crisis-v1",
		true,
	)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_LogScreenerCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	mock.ExpectExec("INSERT INTO safety_audit_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = service.LogScreenerCompleted(
		context.Background(),
		"conv-123",
		"user-456",
		"PHQ-9",
		16,
		"Moderately severe depression",
		true,
	)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_QueryEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "conversation_id", "user_id", "channel", "details", "created_at",
	}).AddRow(
		"evt-1", EventCrisisPayloadServed, "conv-123", nil, "telegram", []byte(`{}`), now,
	)

	mock.ExpectQuery("SELECT (.+) FROM safety_audit_events").
		WillReturnRows(rows)

	filter := AuditFilter{
		ConversationID: "conv-123",
		StartTime:      now.Add(-24 * time.Hour),
		EndTime:        now,
		Limit:          100,
	}

	events, err := service.QueryEvents(context.Background(), filter)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, EventCrisisPayloadServed, events[0].EventType)
	assert.Equal(t, "telegram", events[0].Channel)
}

func TestAuditEventType_String(t *testing.T) {
	tests := []struct {
		eventType AuditEventType
		expected  string
	}{
		{EventCrisisPayloadServed, "safety.crisis_payload_served"},
		{EventStateChanged, "safety.state_changed"},
		{EventFailedClosed, "safety.failed_closed"},
		{EventReplyGuardModified, "safety.reply_guard_modified"},
		{EventDisclaimerSent, "safety.disclaimer_sent"},
		{EventScreenerCompleted, "safety.screener_completed"},
		{EventCounselorNotified, "safety.counselor_notified"},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.eventType))
		})
	}
}

package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

// ConversationEvent represents a structured event in the message pipeline.
// All events share the same base fields for easy filtering/grep.
type ConversationEvent struct {
	Time           string         `json:"time"`
	Event          string         `json:"event"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// EventLogger emits structured JSON events at each decision point in the
// safety pipeline. Designed for fast grep/filter debugging:
//
//	grep '"event":"state_changed"' /var/log/app.log
//	grep '"conversation_id":"telegram:12345"' /var/log/app.log
type EventLogger struct {
	logger *logging.Logger
}

// NewEventLogger creates a new conversation event logger.
func NewEventLogger(logger *logging.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// Log emits a structured conversation event.
func (e *EventLogger) Log(_ context.Context, event string, convID, userID string, data map[string]any) {
	if e == nil || e.logger == nil {
		return
	}
	evt := ConversationEvent{
		Time:           time.Now().UTC().Format(time.RFC3339Nano),
		Event:          event,
		ConversationID: convID,
		UserID:         userID,
		Data:           data,
	}
	b, _ := json.Marshal(evt)
	e.logger.Info(string(b))
}

// Convenience methods for common events. Message text is always redacted
// before it reaches a log line.

func (e *EventLogger) MessageReceived(ctx context.Context, convID, userID string, channel Channel, message string) {
	e.Log(ctx, "message_received", convID, userID, map[string]any{
		"channel": string(channel),
		"message": RedactForAudit(message),
	})
}

func (e *EventLogger) RiskAssessed(ctx context.Context, convID string, tier string, score float64, hardTrigger bool, signals int) {
	e.Log(ctx, "risk_assessed", convID, "", map[string]any{
		"tier":         tier,
		"score":        score,
		"hard_trigger": hardTrigger,
		"signals":      signals,
	})
}

func (e *EventLogger) StateChanged(ctx context.Context, convID, from, to, tier string) {
	e.Log(ctx, "state_changed", convID, "", map[string]any{
		"from": from,
		"to":   to,
		"tier": tier,
	})
}

func (e *EventLogger) CrisisPayloadServed(ctx context.Context, convID, payloadID, region string, hardTrigger bool) {
	e.Log(ctx, "crisis_payload_served", convID, "", map[string]any{
		"payload_id":   payloadID,
		"region":       region,
		"hard_trigger": hardTrigger,
	})
}

func (e *EventLogger) FailedClosed(ctx context.Context, convID, reason string) {
	e.Log(ctx, "failed_closed", convID, "", map[string]any{
		"reason": reason,
	})
}

func (e *EventLogger) ReplyGuardTriggered(ctx context.Context, convID string, blocked bool, reasons []string) {
	e.Log(ctx, "reply_guard_triggered", convID, "", map[string]any{
		"blocked": blocked,
		"reasons": reasons,
	})
}

func (e *EventLogger) LLMResponseGenerated(ctx context.Context, convID string, durationMs int64, tokens int32) {
	e.Log(ctx, "llm_response_generated", convID, "", map[string]any{
		"duration_ms": durationMs,
		"tokens":      tokens,
	})
}

func (e *EventLogger) CheckInRecorded(ctx context.Context, convID string, score int) {
	e.Log(ctx, "check_in_recorded", convID, "", map[string]any{
		"score": score,
	})
}

func (e *EventLogger) ReplySent(ctx context.Context, convID string, strategy string, bodyLen int) {
	e.Log(ctx, "reply_sent", convID, "", map[string]any{
		"strategy": strategy,
		"body_len": bodyLen,
	})
}

func (e *EventLogger) ErrorOccurred(ctx context.Context, convID, step string, err error) {
	e.Log(ctx, "error", convID, "", map[string]any{
		"step":  step,
		"error": err.Error(),
	})
}

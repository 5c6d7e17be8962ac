package events

import "time"

// StateChangedV1 records every escalation state transition for the audit
// trail and dashboard feeds.
type StateChangedV1 struct {
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	Tier           string    `json:"tier"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (StateChangedV1) EventType() string {
	return "safety.state.changed.v1"
}

// CrisisDetectedV1 is emitted when a conversation enters the crisis state.
// The trigger keyword is a lexicon phrase, never raw user text.
type CrisisDetectedV1 struct {
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Region         string    `json:"region,omitempty"`
	FromState      string    `json:"from_state"`
	Tier           string    `json:"tier"`
	HardTrigger    bool      `json:"hard_trigger"`
	TriggerKeyword string    `json:"trigger_keyword,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (CrisisDetectedV1) EventType() string {
	return "safety.crisis.detected.v1"
}

// CooldownEnteredV1 is emitted when a conversation de-escalates out of
// crisis. Consumers schedule a proactive mood check-in from it.
type CooldownEnteredV1 struct {
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Region         string    `json:"region,omitempty"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (CooldownEnteredV1) EventType() string {
	return "safety.cooldown.entered.v1"
}

// CheckInRecordedV1 captures an answered mood check-in.
type CheckInRecordedV1 struct {
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Score          int       `json:"score"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (CheckInRecordedV1) EventType() string {
	return "safety.checkin.recorded.v1"
}

// HandoffRequestedV1 is emitted when a crisis needs a human counselor.
type HandoffRequestedV1 struct {
	EventID        string    `json:"event_id"`
	CaseID         string    `json:"case_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Region         string    `json:"region,omitempty"`
	Severity       string    `json:"severity"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (HandoffRequestedV1) EventType() string {
	return "safety.handoff.requested.v1"
}

package escalation

import (
	"fmt"
	"strings"
	"time"
)

// State is the per-conversation escalation mode.
type State string

const (
	StateNormal   State = "normal"
	StateWatchful State = "watchful"
	StateCrisis   State = "crisis"
	StateCooldown State = "cooldown"
)

// ParseState normalizes a stored state string. Unknown values are an error
// rather than a silent default; a conversation must never run against a
// guessed state.
func ParseState(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StateNormal:
		return StateNormal, nil
	case StateWatchful:
		return StateWatchful, nil
	case StateCrisis:
		return StateCrisis, nil
	case StateCooldown:
		return StateCooldown, nil
	default:
		return "", fmt.Errorf("escalation: unknown state %q", raw)
	}
}

// Heightened reports whether classification should run with lowered
// thresholds for this state.
func (s State) Heightened() bool {
	return s == StateWatchful || s == StateCooldown
}

// Conversation is the state-machine record for one user's ongoing
// interaction. It is created on first message and only ever mutated through
// Machine.Advance; stores persist it as an opaque whole.
type Conversation struct {
	ID             string    `dynamodbav:"conversationId" json:"conversation_id"`
	UserID         string    `dynamodbav:"userId" json:"user_id"`
	Channel        string    `dynamodbav:"channel" json:"channel"`
	Region         string    `dynamodbav:"region" json:"region"`
	State          State     `dynamodbav:"state" json:"state"`
	CalmStreak     int       `dynamodbav:"calmStreak" json:"calm_streak"`
	CooldownUntil  time.Time `dynamodbav:"cooldownUntil,unixtime" json:"cooldown_until"`
	CreatedAt      time.Time `dynamodbav:"createdAt,unixtime" json:"created_at"`
	LastActivityAt time.Time `dynamodbav:"lastActivityAt,unixtime" json:"last_activity_at"`
	Archived       bool      `dynamodbav:"archived" json:"archived"`

	// Version guards against lost updates across processes; the memory and
	// dynamo stores reject a Put whose version is stale.
	Version int64 `dynamodbav:"version" json:"version"`
}

// NewConversation returns the initial record for a first message.
func NewConversation(id, userID, channel, region string, at time.Time) Conversation {
	return Conversation{
		ID:             id,
		UserID:         userID,
		Channel:        channel,
		Region:         region,
		State:          StateNormal,
		CreatedAt:      at,
		LastActivityAt: at,
	}
}

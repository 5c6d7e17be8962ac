package escalation

import (
	"fmt"
	"time"

	"github.com/tmhealth/companion-platform/internal/risk"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Transition records one state-machine step. Every Advance call produces a
// transition, self-loops included, so the append-only log captures the full
// decision history.
type Transition struct {
	ConversationID string    `json:"conversation_id"`
	From           State     `json:"from"`
	To             State     `json:"to"`
	Tier           risk.Tier `json:"tier"`
	HardTrigger    bool      `json:"hard_trigger"`
	TriggerKeyword string    `json:"trigger_keyword,omitempty"`
	CalmStreak     int       `json:"calm_streak"`
	At             time.Time `json:"at"`
}

// Changed reports whether the step moved to a different state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// EnteredCrisis reports a transition into the crisis state from elsewhere.
func (t Transition) EnteredCrisis() bool {
	return t.To == StateCrisis && t.From != StateCrisis
}

// EnteredCooldown reports a transition out of crisis into cooldown.
func (t Transition) EnteredCooldown() bool {
	return t.To == StateCooldown && t.From != StateCooldown
}

// EnteredNormal reports recovery back to the normal state.
func (t Transition) EnteredNormal() bool {
	return t.To == StateNormal && t.From != StateNormal
}

// Machine applies risk assessments to conversation state.
//
// The transition table:
//
//	normal   + none/low      -> normal
//	normal   + elevated      -> watchful
//	watchful + elevated      -> watchful        (streak reset)
//	watchful + none x N      -> normal
//	any      + crisis        -> crisis          (immediate)
//	crisis   + >= elevated   -> crisis          (streak reset)
//	crisis   + none x N      -> cooldown        (starts the window)
//	cooldown + >= elevated   -> crisis          (no grace period)
//	cooldown + none/low past window -> normal
type Machine struct {
	logger         *logging.Logger
	calmStreak     int
	cooldownWindow time.Duration
}

// NewMachine builds the state machine. The calm streak and cooldown window
// come from configuration; non-positive values are a configuration error.
func NewMachine(calmStreak int, cooldownWindow time.Duration, logger *logging.Logger) (*Machine, error) {
	if calmStreak <= 0 {
		return nil, fmt.Errorf("escalation: calm streak must be positive, got %d", calmStreak)
	}
	if cooldownWindow <= 0 {
		return nil, fmt.Errorf("escalation: cooldown window must be positive, got %s", cooldownWindow)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Machine{logger: logger, calmStreak: calmStreak, cooldownWindow: cooldownWindow}, nil
}

// Advance applies one assessment and returns the updated conversation plus
// the transition record. The input record is not mutated; callers commit
// the returned record before acting on the transition.
func (m *Machine) Advance(conv Conversation, assessment risk.Assessment) (Conversation, Transition) {
	next := conv
	next.LastActivityAt = assessment.Timestamp

	from := conv.State

	switch {
	case assessment.Tier == risk.TierCrisis:
		// Crisis overrides everything, from any state, in the same step.
		next.State = StateCrisis
		next.CalmStreak = 0
		next.CooldownUntil = time.Time{}

	case conv.State == StateNormal:
		if assessment.Tier == risk.TierElevated {
			next.State = StateWatchful
			next.CalmStreak = 0
		}

	case conv.State == StateWatchful:
		switch assessment.Tier {
		case risk.TierElevated:
			next.CalmStreak = 0
		case risk.TierNone:
			next.CalmStreak++
			if next.CalmStreak >= m.calmStreak {
				next.State = StateNormal
				next.CalmStreak = 0
			}
		default: // low keeps watchful but breaks the calm run
			next.CalmStreak = 0
		}

	case conv.State == StateCrisis:
		switch assessment.Tier {
		case risk.TierNone:
			next.CalmStreak++
			if next.CalmStreak >= m.calmStreak {
				next.State = StateCooldown
				next.CalmStreak = 0
				next.CooldownUntil = assessment.Timestamp.Add(m.cooldownWindow)
			}
		default:
			// low or elevated: stay in crisis, calm run broken
			next.CalmStreak = 0
		}

	case conv.State == StateCooldown:
		if assessment.Tier.AtLeast(risk.TierElevated) {
			// Re-trigger with no grace period.
			next.State = StateCrisis
			next.CalmStreak = 0
			next.CooldownUntil = time.Time{}
		} else if !assessment.Timestamp.Before(conv.CooldownUntil) {
			next.State = StateNormal
			next.CalmStreak = 0
			next.CooldownUntil = time.Time{}
		}
	}

	transition := Transition{
		ConversationID: conv.ID,
		From:           from,
		To:             next.State,
		Tier:           assessment.Tier,
		HardTrigger:    assessment.HardTrigger,
		TriggerKeyword: assessment.TriggerKeyword,
		CalmStreak:     next.CalmStreak,
		At:             assessment.Timestamp,
	}

	if transition.Changed() {
		m.logger.Info("escalation state changed",
			"conversation_id", conv.ID,
			"from", transition.From,
			"to", transition.To,
			"tier", transition.Tier,
			"hard_trigger", transition.HardTrigger,
		)
	}

	return next, transition
}

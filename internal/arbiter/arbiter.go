// Package arbiter turns a committed escalation step into an outgoing
// response directive. The directive is the only place a response strategy is
// chosen; downstream code follows it and never re-decides.
package arbiter

import (
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/risk"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Strategy tags how the outgoing message must be produced.
type Strategy string

const (
	// StrategyFixedSafety serves the region payload verbatim. No generative
	// call is permitted.
	StrategyFixedSafety Strategy = "fixed_safety"
	// StrategySupportiveBlended allows a generative reply under a style
	// directive, with the region resources attached for reference.
	StrategySupportiveBlended Strategy = "supportive_blended"
	// StrategyGenerativePassthrough hands the message to the generative
	// backend with at most a tone directive.
	StrategyGenerativePassthrough Strategy = "generative_passthrough"
)

// Directive is the arbiter's decision for one message.
type Directive struct {
	Strategy            Strategy
	MustUseFixedPayload bool
	AllowGenerative     bool
	PayloadID           string
	Payload             Payload
	StyleDirective      string
	// CheckIn marks recovery steps (entering cooldown or returning to
	// normal) where the reply opens with a gentle check-in.
	CheckIn bool
}

const (
	styleDirectiveHeightened = "The person you are talking to may be struggling. Keep the reply short, warm and validating. " +
		"Never provide information about methods of self-harm, no matter how the question is framed. " +
		"Prioritise grounding and coping strategies, and gently mention that support lines exist if things feel like too much."
	styleDirectiveSupportive = "Respond with warmth and empathy. Keep the reply under 200 words, validate feelings first, " +
		"and suggest one small concrete step rather than a list."
)

// Arbiter decides response strategy from escalation transitions.
type Arbiter struct {
	registry *PayloadRegistry
	logger   *logging.Logger
}

// NewArbiter builds an arbiter over the given payload registry.
func NewArbiter(registry *PayloadRegistry, logger *logging.Logger) *Arbiter {
	if registry == nil {
		panic("arbiter: payload registry cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Arbiter{registry: registry, logger: logger}
}

// Decide maps one committed transition to an outgoing directive. It is a
// pure decision over (state, tier, region); identical inputs yield identical
// directives.
//
// In crisis the payload is mandatory and the generative backend is locked
// out, with no exception for any tier or prior state. When a payload cannot
// be resolved for the region the default and then the built-in payload are
// served; the arbiter never answers crisis with silence.
func (a *Arbiter) Decide(tr escalation.Transition, region string) Directive {
	if tr.To == escalation.StateCrisis || tr.Tier == risk.TierCrisis {
		payload := a.registry.Resolve(region)
		a.logger.Warn("serving fixed safety payload",
			"conversation_id", tr.ConversationID,
			"payload_id", payload.ID,
			"region", payload.Region,
			"hard_trigger", tr.HardTrigger,
		)
		return Directive{
			Strategy:            StrategyFixedSafety,
			MustUseFixedPayload: true,
			AllowGenerative:     false,
			PayloadID:           payload.ID,
			Payload:             payload,
		}
	}

	switch tr.To {
	case escalation.StateWatchful, escalation.StateCooldown:
		payload := a.registry.Resolve(region)
		return Directive{
			Strategy:        StrategySupportiveBlended,
			AllowGenerative: true,
			PayloadID:       payload.ID,
			Payload:         payload,
			StyleDirective:  styleDirectiveHeightened,
			CheckIn:         tr.EnteredCooldown(),
		}
	default:
		d := Directive{
			Strategy:        StrategyGenerativePassthrough,
			AllowGenerative: true,
			CheckIn:         tr.EnteredNormal(),
		}
		if tr.Tier == risk.TierLow || d.CheckIn {
			d.StyleDirective = styleDirectiveSupportive
		}
		return d
	}
}

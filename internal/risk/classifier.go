package risk

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

var classifierTracer = otel.Tracer("companion/risk-classifier")

// Thresholds are the tiering cut points over signal weights. HardTrigger
// applies to a single signal; Elevated and Low apply to the aggregate.
// SensitivityScale multiplies all three when the conversation warrants
// heightened sensitivity, so it must be in (0,1].
type Thresholds struct {
	HardTrigger      float64
	Elevated         float64
	Low              float64
	SensitivityScale float64
}

// DefaultThresholds returns the shipped tiering policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HardTrigger:      0.85,
		Elevated:         0.55,
		Low:              0.15,
		SensitivityScale: 0.75,
	}
}

func (t Thresholds) validate() error {
	if t.HardTrigger <= 0 || t.HardTrigger > 1 {
		return fmt.Errorf("hard trigger threshold %v out of (0,1]", t.HardTrigger)
	}
	if t.Elevated <= 0 || t.Elevated >= t.HardTrigger {
		return fmt.Errorf("elevated threshold %v must be in (0, hard trigger)", t.Elevated)
	}
	if t.Low <= 0 || t.Low >= t.Elevated {
		return fmt.Errorf("low threshold %v must be in (0, elevated)", t.Low)
	}
	if t.SensitivityScale <= 0 || t.SensitivityScale > 1 {
		return fmt.Errorf("sensitivity scale %v out of (0,1]", t.SensitivityScale)
	}
	return nil
}

// ConversationContext carries the per-conversation inputs that feed back
// into classification. Heightened is set when the escalation state is
// watchful or cooldown; DecliningMood when the tracker reports a falling
// run of mood scores.
type ConversationContext struct {
	Heightened    bool
	DecliningMood bool
}

// Classifier turns a signal set into a risk tier. Classification is a pure
// function of (signals, context): identical inputs always produce the same
// tier.
type Classifier struct {
	logger     *logging.Logger
	thresholds Thresholds
}

// NewClassifier creates a classifier. Invalid thresholds are a
// configuration error and abort startup.
func NewClassifier(thresholds Thresholds, logger *logging.Logger) (*Classifier, error) {
	if err := thresholds.validate(); err != nil {
		return nil, fmt.Errorf("risk: invalid thresholds: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Classifier{logger: logger, thresholds: thresholds}, nil
}

// Classify assigns the risk tier for one message.
//
// Policy, in precedence order:
//  1. any single signal at or above the hard-trigger threshold forces
//     crisis, regardless of the aggregate;
//  2. aggregate weight at or above the elevated threshold, or two or more
//     distinct categories, yields elevated;
//  3. any remaining match at or above the low threshold yields low;
//  4. otherwise none.
//
// Heightened sensitivity scales all thresholds down; it never raises them.
func (c *Classifier) Classify(ctx context.Context, signals SignalSet, convCtx ConversationContext, at time.Time) Assessment {
	_, span := classifierTracer.Start(ctx, "risk.classify")
	defer span.End()

	eff := c.thresholds
	if convCtx.Heightened || convCtx.DecliningMood {
		eff.HardTrigger *= eff.SensitivityScale
		eff.Elevated *= eff.SensitivityScale
		eff.Low *= eff.SensitivityScale
	}

	assessment := Assessment{
		Tier:           TierNone,
		Signals:        signals.Signals(),
		AggregateScore: signals.Aggregate(),
		Timestamp:      at,
	}

	if max, ok := signals.Max(); ok {
		switch {
		case max.Weight >= eff.HardTrigger:
			assessment.Tier = TierCrisis
			assessment.HardTrigger = true
			assessment.TriggerKeyword = max.Keyword
		case assessment.AggregateScore >= eff.Elevated || signals.Len() >= 2:
			assessment.Tier = TierElevated
		case assessment.AggregateScore >= eff.Low:
			assessment.Tier = TierLow
		}
	}

	span.SetAttributes(
		attribute.String("risk.tier", string(assessment.Tier)),
		attribute.Float64("risk.aggregate", assessment.AggregateScore),
		attribute.Bool("risk.hard_trigger", assessment.HardTrigger),
		attribute.Bool("risk.heightened", convCtx.Heightened || convCtx.DecliningMood),
	)

	if assessment.Tier == TierCrisis {
		c.logger.Warn("crisis tier assessed",
			"aggregate", assessment.AggregateScore,
			"hard_trigger", assessment.HardTrigger,
			"trigger_keyword", assessment.TriggerKeyword,
		)
	} else if assessment.Tier != TierNone {
		c.logger.Info("risk tier assessed",
			"tier", assessment.Tier,
			"aggregate", assessment.AggregateScore,
			"categories", signals.Len(),
		)
	}

	return assessment
}

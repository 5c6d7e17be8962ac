package arbiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/risk"
)

func testArbiter() *Arbiter {
	return NewArbiter(DefaultPayloadRegistry(), nil)
}

func TestDecideCrisisLocksOutGenerative(t *testing.T) {
	a := testArbiter()

	froms := []escalation.State{
		escalation.StateNormal,
		escalation.StateWatchful,
		escalation.StateCrisis,
		escalation.StateCooldown,
	}
	tiers := []risk.Tier{risk.TierNone, risk.TierLow, risk.TierElevated, risk.TierCrisis}

	for _, from := range froms {
		for _, tier := range tiers {
			tr := escalation.Transition{
				ConversationID: "conv-1",
				From:           from,
				To:             escalation.StateCrisis,
				Tier:           tier,
				At:             time.Now(),
			}
			d := a.Decide(tr, "AU")

			assert.Equal(t, StrategyFixedSafety, d.Strategy, "from=%s tier=%s", from, tier)
			assert.True(t, d.MustUseFixedPayload, "from=%s tier=%s", from, tier)
			assert.False(t, d.AllowGenerative, "from=%s tier=%s", from, tier)
			assert.NotEmpty(t, d.Payload.Message, "from=%s tier=%s", from, tier)
		}
	}
}

func TestDecideCrisisTierOverridesState(t *testing.T) {
	a := testArbiter()

	// A crisis tier must force the payload even if the recorded target state
	// disagrees; the two are never allowed to diverge in the caller's favor.
	d := a.Decide(escalation.Transition{To: escalation.StateNormal, Tier: risk.TierCrisis}, "AU")
	assert.True(t, d.MustUseFixedPayload)
	assert.False(t, d.AllowGenerative)
}

func TestDecideWatchfulBlended(t *testing.T) {
	a := testArbiter()

	d := a.Decide(escalation.Transition{
		From: escalation.StateNormal,
		To:   escalation.StateWatchful,
		Tier: risk.TierElevated,
	}, "AU")

	assert.Equal(t, StrategySupportiveBlended, d.Strategy)
	assert.False(t, d.MustUseFixedPayload)
	assert.True(t, d.AllowGenerative)
	assert.NotEmpty(t, d.StyleDirective)
	assert.Equal(t, "au-crisis-v1", d.PayloadID)
	assert.False(t, d.CheckIn)
}

func TestDecideEnteringCooldownChecksIn(t *testing.T) {
	a := testArbiter()

	d := a.Decide(escalation.Transition{
		From: escalation.StateCrisis,
		To:   escalation.StateCooldown,
		Tier: risk.TierNone,
	}, "AU")

	assert.Equal(t, StrategySupportiveBlended, d.Strategy)
	assert.True(t, d.AllowGenerative)
	assert.True(t, d.CheckIn)
}

func TestDecideNormalPassthrough(t *testing.T) {
	a := testArbiter()

	tests := []struct {
		name      string
		tr        escalation.Transition
		wantStyle bool
		wantCheck bool
	}{
		{
			name:      "calm steady state",
			tr:        escalation.Transition{From: escalation.StateNormal, To: escalation.StateNormal, Tier: risk.TierNone},
			wantStyle: false,
		},
		{
			name:      "low tier gets supportive tone",
			tr:        escalation.Transition{From: escalation.StateNormal, To: escalation.StateNormal, Tier: risk.TierLow},
			wantStyle: true,
		},
		{
			name:      "recovery to normal checks in",
			tr:        escalation.Transition{From: escalation.StateCooldown, To: escalation.StateNormal, Tier: risk.TierNone},
			wantStyle: true,
			wantCheck: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := a.Decide(tt.tr, "AU")
			assert.Equal(t, StrategyGenerativePassthrough, d.Strategy)
			assert.True(t, d.AllowGenerative)
			assert.False(t, d.MustUseFixedPayload)
			assert.Empty(t, d.PayloadID)
			assert.Equal(t, tt.wantStyle, d.StyleDirective != "")
			assert.Equal(t, tt.wantCheck, d.CheckIn)
		})
	}
}

func TestDecideUnknownRegionFailsClosedToDefault(t *testing.T) {
	a := testArbiter()

	d := a.Decide(escalation.Transition{To: escalation.StateCrisis, Tier: risk.TierCrisis}, "ZZ")

	require.True(t, d.MustUseFixedPayload)
	assert.Equal(t, "AU", d.Payload.Region)
	assert.Contains(t, d.Payload.Message, "13 11 14")
}

func TestDecideDeterminism(t *testing.T) {
	a := testArbiter()
	tr := escalation.Transition{From: escalation.StateWatchful, To: escalation.StateWatchful, Tier: risk.TierElevated}

	first := a.Decide(tr, "AU")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, a.Decide(tr, "AU"))
	}
}

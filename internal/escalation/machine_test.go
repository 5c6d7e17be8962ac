package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmhealth/companion-platform/internal/risk"
)

func testMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(3, 10*time.Minute, nil)
	require.NoError(t, err)
	return m
}

func TestNewMachineValidation(t *testing.T) {
	if _, err := NewMachine(0, time.Minute, nil); err == nil {
		t.Fatal("expected error for zero calm streak")
	}
	if _, err := NewMachine(3, 0, nil); err == nil {
		t.Fatal("expected error for zero cooldown window")
	}
	if _, err := NewMachine(3, time.Minute, nil); err != nil {
		t.Fatalf("expected valid machine, got %v", err)
	}
}

func TestAdvanceTransitionTable(t *testing.T) {
	m := testMachine(t)
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		state      State
		calmStreak int
		tier       risk.Tier
		wantState  State
		wantStreak int
	}{
		{"normal stays on none", StateNormal, 0, risk.TierNone, StateNormal, 0},
		{"normal stays on low", StateNormal, 0, risk.TierLow, StateNormal, 0},
		{"normal to watchful on elevated", StateNormal, 0, risk.TierElevated, StateWatchful, 0},
		{"watchful holds on elevated", StateWatchful, 2, risk.TierElevated, StateWatchful, 0},
		{"watchful calm message counts", StateWatchful, 0, risk.TierNone, StateWatchful, 1},
		{"watchful low breaks calm run", StateWatchful, 2, risk.TierLow, StateWatchful, 0},
		{"watchful recovers after streak", StateWatchful, 2, risk.TierNone, StateNormal, 0},
		{"crisis calm message counts", StateCrisis, 0, risk.TierNone, StateCrisis, 1},
		{"crisis low breaks calm run", StateCrisis, 2, risk.TierLow, StateCrisis, 0},
		{"crisis elevated breaks calm run", StateCrisis, 2, risk.TierElevated, StateCrisis, 0},
		{"crisis enters cooldown after streak", StateCrisis, 2, risk.TierNone, StateCooldown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := Conversation{ID: "conv-1", State: tt.state, CalmStreak: tt.calmStreak}
			next, tr := m.Advance(conv, risk.Assessment{Tier: tt.tier, Timestamp: now})

			assert.Equal(t, tt.wantState, next.State)
			assert.Equal(t, tt.wantStreak, next.CalmStreak)
			assert.Equal(t, tt.state, tr.From)
			assert.Equal(t, tt.wantState, tr.To)
			assert.Equal(t, now, next.LastActivityAt)
		})
	}
}

func TestAdvanceCrisisFromEveryState(t *testing.T) {
	m := testMachine(t)
	now := time.Now().UTC()

	for _, from := range []State{StateNormal, StateWatchful, StateCrisis, StateCooldown} {
		t.Run(string(from), func(t *testing.T) {
			conv := Conversation{ID: "conv-1", State: from, CalmStreak: 2, CooldownUntil: now.Add(5 * time.Minute)}
			next, tr := m.Advance(conv, risk.Assessment{
				Tier:           risk.TierCrisis,
				HardTrigger:    true,
				TriggerKeyword: "kill myself",
				Timestamp:      now,
			})

			assert.Equal(t, StateCrisis, next.State)
			assert.Zero(t, next.CalmStreak)
			assert.True(t, next.CooldownUntil.IsZero())
			assert.True(t, tr.HardTrigger)
			assert.Equal(t, "kill myself", tr.TriggerKeyword)
			if from != StateCrisis {
				assert.True(t, tr.EnteredCrisis())
			}
		})
	}
}

func TestAdvanceCooldownStartsWindow(t *testing.T) {
	m := testMachine(t)
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	conv := Conversation{ID: "conv-1", State: StateCrisis}
	for i := 0; i < 3; i++ {
		conv, _ = m.Advance(conv, risk.Assessment{Tier: risk.TierNone, Timestamp: now.Add(time.Duration(i) * time.Minute)})
	}

	require.Equal(t, StateCooldown, conv.State)
	assert.Equal(t, now.Add(2*time.Minute).Add(10*time.Minute), conv.CooldownUntil)
}

func TestAdvanceCooldownRetriggersWithoutGrace(t *testing.T) {
	m := testMachine(t)
	now := time.Now().UTC()

	conv := Conversation{ID: "conv-1", State: StateCooldown, CooldownUntil: now.Add(8 * time.Minute)}
	next, tr := m.Advance(conv, risk.Assessment{Tier: risk.TierElevated, Timestamp: now})

	assert.Equal(t, StateCrisis, next.State)
	assert.True(t, tr.EnteredCrisis())
}

func TestAdvanceCooldownExpiry(t *testing.T) {
	m := testMachine(t)
	until := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		tier risk.Tier
		want State
	}{
		{"calm before window ends stays cooldown", until.Add(-time.Minute), risk.TierNone, StateCooldown},
		{"low before window ends stays cooldown", until.Add(-time.Minute), risk.TierLow, StateCooldown},
		{"calm at window boundary recovers", until, risk.TierNone, StateNormal},
		{"calm after window recovers", until.Add(time.Minute), risk.TierNone, StateNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := Conversation{ID: "conv-1", State: StateCooldown, CooldownUntil: until}
			next, _ := m.Advance(conv, risk.Assessment{Tier: tt.tier, Timestamp: tt.at})
			assert.Equal(t, tt.want, next.State)
			if tt.want == StateNormal {
				assert.True(t, next.CooldownUntil.IsZero())
			}
		})
	}
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	m := testMachine(t)
	conv := Conversation{ID: "conv-1", State: StateWatchful, CalmStreak: 1}

	m.Advance(conv, risk.Assessment{Tier: risk.TierNone, Timestamp: time.Now()})

	assert.Equal(t, StateWatchful, conv.State)
	assert.Equal(t, 1, conv.CalmStreak)
}

func TestTransitionPredicates(t *testing.T) {
	assert.False(t, Transition{From: StateNormal, To: StateNormal}.Changed())
	assert.True(t, Transition{From: StateNormal, To: StateCrisis}.EnteredCrisis())
	assert.False(t, Transition{From: StateCrisis, To: StateCrisis}.EnteredCrisis())
	assert.True(t, Transition{From: StateCrisis, To: StateCooldown}.EnteredCooldown())
	assert.True(t, Transition{From: StateCooldown, To: StateNormal}.EnteredNormal())
}

func TestParseState(t *testing.T) {
	got, err := ParseState(" Watchful ")
	require.NoError(t, err)
	assert.Equal(t, StateWatchful, got)

	if _, err := ParseState("escalated"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestStateHeightened(t *testing.T) {
	assert.False(t, StateNormal.Heightened())
	assert.True(t, StateWatchful.Heightened())
	assert.False(t, StateCrisis.Heightened())
	assert.True(t, StateCooldown.Heightened())
}

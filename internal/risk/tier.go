package risk

import "time"

// Tier is the discrete risk classification for one message.
type Tier string

const (
	TierNone     Tier = "none"
	TierLow      Tier = "low"
	TierElevated Tier = "elevated"
	TierCrisis   Tier = "crisis"
)

var tierRank = map[Tier]int{
	TierNone:     0,
	TierLow:      1,
	TierElevated: 2,
	TierCrisis:   3,
}

// AtLeast reports whether t is the same tier as other or more severe.
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// Assessment is the immutable classification of one message.
type Assessment struct {
	Tier           Tier      `json:"tier"`
	Signals        []Signal  `json:"signals,omitempty"`
	AggregateScore float64   `json:"aggregate_score"`
	HardTrigger    bool      `json:"hard_trigger"`
	TriggerKeyword string    `json:"trigger_keyword,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

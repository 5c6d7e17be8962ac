package risk

import "sort"

// Category identifies an indicator family matched in a message.
type Category string

const (
	CategorySelfHarmIntent  Category = "SELF_HARM_INTENT"
	CategoryPassiveIdeation Category = "PASSIVE_IDEATION"
	CategoryHopelessness    Category = "HOPELESSNESS"
	CategoryPlanImmediacy   Category = "PLAN_IMMEDIACY"
	CategoryAbuseDisclosure Category = "ABUSE_DISCLOSURE"
	CategorySubstanceCrisis Category = "SUBSTANCE_CRISIS"
)

// Signal is a single matched indicator with its confidence weight in [0,1].
type Signal struct {
	Category Category `json:"category"`
	Weight   float64  `json:"weight"`
	Keyword  string   `json:"keyword"`
}

// SignalSet holds at most one signal per category. Overlapping matches
// within a category keep the maximum weight.
type SignalSet struct {
	signals map[Category]Signal
}

// NewSignalSet returns an empty signal set.
func NewSignalSet() SignalSet {
	return SignalSet{signals: make(map[Category]Signal)}
}

// Add records a match, keeping the heavier signal when the category was
// already matched.
func (s *SignalSet) Add(sig Signal) {
	if s.signals == nil {
		s.signals = make(map[Category]Signal)
	}
	if sig.Weight <= 0 {
		return
	}
	if sig.Weight > 1 {
		sig.Weight = 1
	}
	if existing, ok := s.signals[sig.Category]; !ok || sig.Weight > existing.Weight {
		s.signals[sig.Category] = sig
	}
}

// Empty reports whether no categories matched.
func (s SignalSet) Empty() bool {
	return len(s.signals) == 0
}

// Len returns the number of distinct matched categories.
func (s SignalSet) Len() int {
	return len(s.signals)
}

// Get returns the signal for a category, if matched.
func (s SignalSet) Get(category Category) (Signal, bool) {
	sig, ok := s.signals[category]
	return sig, ok
}

// Max returns the heaviest signal in the set.
func (s SignalSet) Max() (Signal, bool) {
	var best Signal
	found := false
	for _, sig := range s.signals {
		if !found || sig.Weight > best.Weight {
			best = sig
			found = true
		}
	}
	return best, found
}

// Aggregate sums each matched category's weight.
func (s SignalSet) Aggregate() float64 {
	var total float64
	for _, sig := range s.signals {
		total += sig.Weight
	}
	return total
}

// Signals returns the matched signals ordered by descending weight, with
// category as a stable tiebreak so output is deterministic.
func (s SignalSet) Signals() []Signal {
	out := make([]Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Category < out[j].Category
	})
	return out
}

package mood

import (
	"regexp"
	"strings"
)

// OptOutDetector spots a request to stop an in-progress screener so the
// answer parser never traps someone inside the questionnaire.
type OptOutDetector struct {
	optOutRegex *regexp.Regexp
}

// NewOptOutDetector returns a detector with the default keyword set.
func NewOptOutDetector() *OptOutDetector {
	return &OptOutDetector{
		optOutRegex: regexp.MustCompile(`(?i)^(?:please\s+)?(stop|cancel|quit|exit|skip|nevermind|never\s+mind)\b`),
	}
}

// IsOptOut returns true when the message asks to leave the screener.
func (d *OptOutDetector) IsOptOut(body string) bool {
	if d == nil || d.optOutRegex == nil {
		return false
	}
	return d.optOutRegex.MatchString(strings.TrimSpace(body))
}

package compliance

import (
	"context"
	"fmt"
	"strings"
)

// DisclaimerLevel represents the verbosity of the disclaimer.
type DisclaimerLevel string

const (
	// DisclaimerShort is the shortest disclaimer.
	DisclaimerShort DisclaimerLevel = "short"
	// DisclaimerMedium is a moderate disclaimer.
	DisclaimerMedium DisclaimerLevel = "medium"
	// DisclaimerFull is the most comprehensive disclaimer.
	DisclaimerFull DisclaimerLevel = "full"
)

// Disclaimer templates
const (
	disclaimerShortText = "I'm an automated support companion, not a counselor."

	disclaimerMediumText = "I'm an automated support companion, not a real counselor. If you're ever in immediate danger, call 000."

	disclaimerFullText = "I'm an automated support companion. I can listen and share coping ideas, but I'm not a substitute for a counselor, psychologist or doctor. If you're ever in immediate danger call 000, or reach Lifeline any time on 13 11 14."
)

// DisclaimerConfig configures the disclaimer service.
type DisclaimerConfig struct {
	// Level determines which disclaimer template to use.
	Level DisclaimerLevel
	// Enabled controls whether disclaimers are added.
	Enabled bool
	// FirstMessageOnly adds disclaimer only to the first message in a
	// conversation.
	FirstMessageOnly bool
	// CustomText overrides the default template.
	CustomText string
}

// DefaultDisclaimerConfig returns sensible defaults.
func DefaultDisclaimerConfig() DisclaimerConfig {
	return DisclaimerConfig{
		Level:            DisclaimerMedium,
		Enabled:          true,
		FirstMessageOnly: true,
	}
}

// DisclaimerService handles adding disclaimers to messages.
type DisclaimerService struct {
	audit  *AuditService
	config DisclaimerConfig
}

// NewDisclaimerService creates a new disclaimer service.
func NewDisclaimerService(audit *AuditService, config DisclaimerConfig) *DisclaimerService {
	return &DisclaimerService{
		audit:  audit,
		config: config,
	}
}

// GetDisclaimerText returns the appropriate disclaimer text.
func (s *DisclaimerService) GetDisclaimerText() string {
	if s.config.CustomText != "" {
		return s.config.CustomText
	}

	switch s.config.Level {
	case DisclaimerShort:
		return disclaimerShortText
	case DisclaimerFull:
		return disclaimerFullText
	default:
		return disclaimerMediumText
	}
}

// AddDisclaimer adds a disclaimer to the message if configured.
func (s *DisclaimerService) AddDisclaimer(ctx context.Context, message string, opts DisclaimerOptions) (string, error) {
	if !s.config.Enabled {
		return message, nil
	}

	if s.config.FirstMessageOnly && !opts.IsFirstMessage {
		return message, nil
	}

	disclaimer := s.GetDisclaimerText()

	// Don't add if already contains disclaimer
	if strings.Contains(message, disclaimer) {
		return message, nil
	}

	result := fmt.Sprintf("%s\n\n%s", strings.TrimSpace(message), disclaimer)

	if s.audit != nil && opts.ConversationID != "" {
		_ = s.audit.LogDisclaimerSent(ctx, opts.ConversationID, opts.UserID, string(s.config.Level))
	}

	return result, nil
}

// DisclaimerOptions provides context for disclaimer addition.
type DisclaimerOptions struct {
	ConversationID string
	UserID         string
	IsFirstMessage bool
}

// ShouldAddDisclaimer checks if a disclaimer should be added based on config.
func (s *DisclaimerService) ShouldAddDisclaimer(isFirstMessage bool) bool {
	if !s.config.Enabled {
		return false
	}
	if s.config.FirstMessageOnly && !isFirstMessage {
		return false
	}
	return true
}

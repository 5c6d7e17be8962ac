package conversation

import (
	"regexp"
	"strings"
)

// Raw user text never lands in logs or the audit table. Redact strips the
// identifiers a teen is most likely to type about themselves or someone
// else; the redacted form keeps enough shape for debugging.
var (
	redactEmailRE = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	redactPhoneRE = regexp.MustCompile(`(?:\+?\d[\d\s\-().]{7,}\d)`)
	redactURLRE   = regexp.MustCompile(`https?://\S+`)
	redactNameRE  = regexp.MustCompile(`(?i)\bmy name is\s+\S+(?:\s+\S+)?`)
)

// Redact replaces personal identifiers in a message with placeholders and
// reports whether anything was removed.
func Redact(message string) (string, bool) {
	if strings.TrimSpace(message) == "" {
		return message, false
	}

	redacted := message
	redacted = redactURLRE.ReplaceAllString(redacted, "[url]")
	redacted = redactEmailRE.ReplaceAllString(redacted, "[email]")
	redacted = redactPhoneRE.ReplaceAllString(redacted, "[phone]")
	redacted = redactNameRE.ReplaceAllString(redacted, "my name is [name]")

	return redacted, redacted != message
}

// RedactForAudit truncates and redacts a message for audit details. Audit
// rows keep a short redacted excerpt, never the full text.
func RedactForAudit(message string) string {
	redacted, _ := Redact(message)
	const maxLen = 120
	if len(redacted) > maxLen {
		redacted = redacted[:maxLen] + "..."
	}
	return redacted
}

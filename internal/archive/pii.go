package archive

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

var (
	emailRe  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe  = regexp.MustCompile(`(\+?[0-9]{1,3}[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{3,4}`)
	handleRe = regexp.MustCompile(`@[A-Za-z0-9_]{3,32}`)
)

// HashUserID returns the hex-encoded SHA-256 hash of a transport user id.
// The archive never stores the raw id.
func HashUserID(userID string) string {
	h := sha256.Sum256([]byte(userID))
	return fmt.Sprintf("%x", h)
}

// ScrubPII replaces emails, phone numbers and @handles with placeholder
// tokens. First names stay; they carry the conversational context a reviewer
// needs.
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	text = handleRe.ReplaceAllString(text, "[HANDLE]")
	return text
}

// ScrubMessages applies PII scrubbing to all messages in-place.
func ScrubMessages(msgs []Message) {
	for i := range msgs {
		msgs[i].Content = ScrubPII(msgs[i].Content)
	}
}

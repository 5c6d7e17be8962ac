package archive

import "time"

// ConversationRecord is the top-level structure archived to S3 when a
// conversation is closed or purged. Transcripts are scrubbed before they get
// here; the record carries hashes, never raw user identifiers.
type ConversationRecord struct {
	Version         string    `json:"version"` // "1.0"
	ConversationID  string    `json:"conversation_id"`
	UserHash        string    `json:"user_hash"` // sha256 of the transport user id
	Channel         string    `json:"channel"`
	Region          string    `json:"region,omitempty"`
	ArchivedAt      time.Time `json:"archived_at"`
	DurationSeconds int       `json:"duration_seconds"`
	MessageCount    int       `json:"message_count"`
	Outcome         Outcome   `json:"outcome"`
	Messages        []Message `json:"messages"`
}

// Outcome summarizes the safety trajectory of the conversation. Every field
// is derived from the committed escalation trail, not inferred from text, so
// two archivals of the same conversation always agree.
type Outcome struct {
	FinalState     string `json:"final_state"` // normal|watchful|crisis|cooldown
	PeakTier       string `json:"peak_tier"`   // none|low|elevated|crisis
	CrisisEntries  int    `json:"crisis_entries"`
	HardTriggered  bool   `json:"hard_triggered"`
	PayloadsServed int    `json:"payloads_served"`
	CaseOpened     bool   `json:"case_opened"`
	Reason         string `json:"reason"` // closed|inactive|purged
}

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	ConversationID string `json:"conversation_id"`
	S3Key          string `json:"s3_key"`
	FinalState     string `json:"final_state"`
	PeakTier       string `json:"peak_tier"`
	HardTriggered  bool   `json:"hard_triggered"`
	ArchivedAt     string `json:"archived_at"`
	MessageCount   int    `json:"message_count"`
	Reason         string `json:"reason"`
}

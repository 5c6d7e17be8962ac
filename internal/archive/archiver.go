package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmhealth/companion-platform/internal/escalation"
)

// Archiver assembles and stores the archival record for a conversation that
// is leaving the live stores. Failures are logged and returned so periodic
// sweeps can retry; purge flows ignore the error and proceed.
type Archiver struct {
	store  *Store
	logger *slog.Logger
}

// NewArchiver creates an Archiver. Returns nil if the store is not enabled,
// so callers can guard with a single nil check.
func NewArchiver(store *Store, logger *slog.Logger) *Archiver {
	if store == nil || !store.Enabled() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger}
}

// ArchiveInput holds the data needed to archive a conversation.
type ArchiveInput struct {
	ConversationID string
	UserID         string // raw transport id, hashed before storage
	Channel        string
	Region         string
	Messages       []Message
	Transitions    []escalation.Transition
	PayloadsServed int
	CaseOpened     bool
	Reason         string // closed|inactive|purged
}

// Archive scrubs, labels and stores one conversation. The outcome labels are
// computed from the committed transition trail rather than re-classifying
// the text, so archival never disagrees with what the pipeline decided live.
func (a *Archiver) Archive(ctx context.Context, input ArchiveInput) error {
	if a == nil {
		return nil
	}

	msgs := make([]Message, len(input.Messages))
	copy(msgs, input.Messages)
	ScrubMessages(msgs)

	var durationSec int
	if len(msgs) >= 2 {
		durationSec = int(msgs[len(msgs)-1].Timestamp.Sub(msgs[0].Timestamp).Seconds())
	}

	record := &ConversationRecord{
		Version:         "1.0",
		ConversationID:  input.ConversationID,
		UserHash:        HashUserID(input.UserID),
		Channel:         input.Channel,
		Region:          input.Region,
		ArchivedAt:      time.Now().UTC(),
		DurationSeconds: durationSec,
		MessageCount:    len(msgs),
		Outcome:         outcomeFromTrail(input),
		Messages:        msgs,
	}

	if err := a.store.ArchiveConversation(ctx, record); err != nil {
		a.logger.Error("archive failed",
			"error", err, "conversation_id", input.ConversationID)
		return err
	}

	a.logger.Info("archive completed",
		"conversation_id", input.ConversationID,
		"final_state", record.Outcome.FinalState,
		"reason", record.Outcome.Reason,
	)
	return nil
}

// outcomeFromTrail folds the transition history into outcome labels.
func outcomeFromTrail(input ArchiveInput) Outcome {
	out := Outcome{
		FinalState:     string(escalation.StateNormal),
		PeakTier:       "none",
		PayloadsServed: input.PayloadsServed,
		CaseOpened:     input.CaseOpened,
		Reason:         input.Reason,
	}
	peak := 0
	for _, tr := range input.Transitions {
		out.FinalState = string(tr.To)
		if tr.EnteredCrisis() {
			out.CrisisEntries++
		}
		if tr.HardTrigger {
			out.HardTriggered = true
		}
		if rank := tierRank(string(tr.Tier)); rank > peak {
			peak = rank
			out.PeakTier = string(tr.Tier)
		}
	}
	return out
}

func tierRank(tier string) int {
	switch tier {
	case "low":
		return 1
	case "elevated":
		return 2
	case "crisis":
		return 3
	default:
		return 0
	}
}

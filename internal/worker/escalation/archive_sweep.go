package escalationworker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmhealth/companion-platform/internal/archive"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

const (
	defaultArchiveInterval  = 5 * time.Minute
	defaultArchiveBatchSize = 20

	// archiveMessageLimit caps how much transcript one archive record
	// carries.
	archiveMessageLimit = 500
)

// transcriptReader is the slice of the conversation store the sweep reads.
type transcriptReader interface {
	GetMessages(ctx context.Context, conversationID string, limit int) ([]conversation.MessageRecord, error)
}

// trailReader is the slice of the transition log the sweep reads.
type trailReader interface {
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]escalation.Transition, error)
}

// ArchiveSweep moves resolved cases to cold storage: each pass picks up
// resolved, not-yet-archived cases, writes the scrubbed transcript and
// outcome labels to the archive, and marks the case archived. A failed
// archive leaves the case unmarked so the next pass retries it.
type ArchiveSweep struct {
	db       *sql.DB
	archiver *archive.Archiver
	messages transcriptReader
	trail    trailReader
	logger   *logging.Logger

	interval  time.Duration
	batchSize int
}

// ArchiveSweepOption customizes an ArchiveSweep.
type ArchiveSweepOption func(*ArchiveSweep)

// WithArchiveInterval overrides how often the sweep runs.
func WithArchiveInterval(d time.Duration) ArchiveSweepOption {
	return func(s *ArchiveSweep) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithArchiveBatchSize overrides how many cases one pass archives.
func WithArchiveBatchSize(n int) ArchiveSweepOption {
	return func(s *ArchiveSweep) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewArchiveSweep creates the resolved-case archive sweep.
func NewArchiveSweep(db *sql.DB, archiver *archive.Archiver, messages transcriptReader, trail trailReader, logger *logging.Logger, opts ...ArchiveSweepOption) *ArchiveSweep {
	if db == nil {
		panic("escalationworker: archive sweep requires a database")
	}
	if archiver == nil {
		panic("escalationworker: archive sweep requires an archiver")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &ArchiveSweep{
		db:        db,
		archiver:  archiver,
		messages:  messages,
		trail:     trail,
		logger:    logger,
		interval:  defaultArchiveInterval,
		batchSize: defaultArchiveBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *ArchiveSweep) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("archive sweep started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("archive sweep stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("archive sweep failed", "error", err)
			}
		}
	}
}

type archiveCandidate struct {
	id             uuid.UUID
	conversationID string
	userID         string
	channel        string
	region         string
}

// SweepOnce archives one batch of resolved cases.
func (s *ArchiveSweep) SweepOnce(ctx context.Context) error {
	query := `
		SELECT id, conversation_id, user_id, channel, region
		FROM escalation_cases
		WHERE status = $1 AND archived_at IS NULL
		ORDER BY resolved_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, support.StatusResolved, s.batchSize)
	if err != nil {
		return fmt.Errorf("escalationworker: list unarchived cases: %w", err)
	}
	defer rows.Close()

	var candidates []archiveCandidate
	for rows.Next() {
		var c archiveCandidate
		var userID, channel, region sql.NullString
		if err := rows.Scan(&c.id, &c.conversationID, &userID, &channel, &region); err != nil {
			return fmt.Errorf("escalationworker: scan unarchived case: %w", err)
		}
		c.userID, c.channel, c.region = userID.String, channel.String, region.String
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("escalationworker: list unarchived cases: %w", err)
	}

	archived := 0
	for _, c := range candidates {
		if err := s.archiveCase(ctx, c); err != nil {
			s.logger.Error("failed to archive resolved case",
				"error", err, "case_id", c.id, "conversation_id", c.conversationID)
			continue
		}
		if err := s.markArchived(ctx, c.id); err != nil {
			s.logger.Error("failed to mark case archived", "error", err, "case_id", c.id)
			continue
		}
		archived++
	}

	if archived > 0 {
		s.logger.Info("archive sweep complete", "archived", archived, "candidates", len(candidates))
	}
	return nil
}

func (s *ArchiveSweep) archiveCase(ctx context.Context, c archiveCandidate) error {
	records, err := s.messages.GetMessages(ctx, c.conversationID, archiveMessageLimit)
	if err != nil {
		return err
	}
	trail, err := s.trail.ListByConversation(ctx, c.conversationID, 0)
	if err != nil {
		return err
	}
	// The log returns newest first; the outcome fold wants chronological.
	for l, r := 0, len(trail)-1; l < r; l, r = l+1, r-1 {
		trail[l], trail[r] = trail[r], trail[l]
	}

	msgs := make([]archive.Message, len(records))
	for i, rec := range records {
		msgs[i] = archive.Message{Role: rec.Role, Content: rec.Content, Timestamp: rec.CreatedAt}
	}

	// Every crisis entry served the fixed payload; the committed trail is
	// the count the archive reports.
	served := 0
	for _, tr := range trail {
		if tr.To == escalation.StateCrisis {
			served++
		}
	}

	return s.archiver.Archive(ctx, archive.ArchiveInput{
		ConversationID: c.conversationID,
		UserID:         c.userID,
		Channel:        c.channel,
		Region:         c.region,
		Messages:       msgs,
		Transitions:    trail,
		PayloadsServed: served,
		CaseOpened:     true,
		Reason:         "closed",
	})
}

func (s *ArchiveSweep) markArchived(ctx context.Context, caseID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escalation_cases SET archived_at = now(), updated_at = now() WHERE id = $1`,
		caseID)
	return err
}

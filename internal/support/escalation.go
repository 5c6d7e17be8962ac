package support

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

var caseTracer = otel.Tracer("companion/support")

var caseOpenedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "support_cases_opened_total",
		Help: "Crisis cases opened on the counselor desk, by severity.",
	},
	[]string{"severity"},
)

var caseRenotifiedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "support_cases_renotified_total",
		Help: "Overdue cases for which the on-call rotation was alerted again.",
	},
)

func init() {
	prometheus.MustRegister(caseOpenedTotal)
	prometheus.MustRegister(caseRenotifiedTotal)
}

// Severity ranks how urgently a counselor must pick a case up.
type Severity string

const (
	// SeverityCritical marks hard-trigger detections. These page the
	// on-call counselor immediately, at any hour.
	SeverityCritical Severity = "critical"
	// SeverityHigh marks aggregate-score crisis entries.
	SeverityHigh Severity = "high"
	// SeverityElevated marks handoffs the teen asked for without a
	// crisis detection behind them.
	SeverityElevated Severity = "elevated"
)

// SeverityForCrisis maps a crisis detection to a case severity.
func SeverityForCrisis(hardTrigger bool) Severity {
	if hardTrigger {
		return SeverityCritical
	}
	return SeverityHigh
}

// Status is the lifecycle state of a case.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// ErrCaseNotFound is returned when a case id does not match a row in the
// state the operation requires.
var ErrCaseNotFound = errors.New("support: case not found or already handled")

// Case is one crisis handoff waiting on a counselor. TriggerKeyword is
// always a lexicon phrase, never raw message text, so the record is safe to
// surface in notifications and the admin console.
type Case struct {
	ID             uuid.UUID
	ConversationID string
	UserID         string
	Channel        string
	Region         string
	Severity       Severity
	Status         Status
	HardTrigger    bool
	TriggerKeyword string
	SourceEventID  string
	SLADueAt       time.Time
	NotifiedVia    []string
	NotifiedAt     *time.Time
	RenotifyCount  int
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	ResolvedBy     string
	Resolution     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CaseRequest contains details for opening a case. Severity is derived from
// HardTrigger when left empty.
type CaseRequest struct {
	ConversationID string
	UserID         string
	Channel        string
	Region         string
	Severity       Severity
	HardTrigger    bool
	TriggerKeyword string
	SourceEventID  string
}

// NotificationChannel delivers case alerts to the on-call rotation.
type NotificationChannel interface {
	SendEmail(ctx context.Context, subject, body string) error
	SendPage(ctx context.Context, summary string) error
}

// BundleSource renders the conversation context attached to case emails.
// *HandoffService satisfies it.
type BundleSource interface {
	BuildBundle(ctx context.Context, conversationID string, messageLimit int) (*HandoffBundle, error)
}

// defaultCaseSLA is how long a pending case may sit before the sweeper
// renotifies the rotation.
const defaultCaseSLA = 15 * time.Minute

// CaseService runs the counselor desk: it opens cases from crisis
// detections, alerts the on-call rotation, and tracks acknowledgement and
// resolution against the SLA.
type CaseService struct {
	db       *sql.DB
	logger   *logging.Logger
	notifier NotificationChannel
	bundles  BundleSource
	sla      time.Duration
	hours    *AfterHoursWindow
	now      func() time.Time
}

// CaseServiceOption customizes a CaseService.
type CaseServiceOption func(*CaseService)

// WithCaseSLA overrides the acknowledgement deadline applied to new cases.
func WithCaseSLA(d time.Duration) CaseServiceOption {
	return func(s *CaseService) {
		if d > 0 {
			s.sla = d
		}
	}
}

// WithBundleSource attaches handoff bundles to case notification emails.
func WithBundleSource(src BundleSource) CaseServiceOption {
	return func(s *CaseService) { s.bundles = src }
}

// WithAfterHours routes every alert inside the window to the overnight
// pager, not only critical ones.
func WithAfterHours(w AfterHoursWindow) CaseServiceOption {
	return func(s *CaseService) { s.hours = &w }
}

// NewCaseService creates the counselor desk service.
func NewCaseService(db *sql.DB, notifier NotificationChannel, logger *logging.Logger, opts ...CaseServiceOption) *CaseService {
	if db == nil {
		panic("support: case service requires a database")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &CaseService{
		db:       db,
		logger:   logger,
		notifier: notifier,
		sla:      defaultCaseSLA,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenCase records a crisis handoff and alerts the on-call rotation. Cases
// deduplicate per conversation: when one is already open the existing record
// is returned and no second alert goes out, which keeps at-least-once event
// delivery from paging counselors twice.
func (s *CaseService) OpenCase(ctx context.Context, req CaseRequest) (*Case, error) {
	ctx, span := caseTracer.Start(ctx, "support.open_case")
	defer span.End()

	if req.ConversationID == "" {
		return nil, errors.New("support: conversation id is required")
	}

	severity := req.Severity
	if severity == "" {
		severity = SeverityForCrisis(req.HardTrigger)
	}
	span.SetAttributes(
		attribute.String("case.severity", string(severity)),
		attribute.String("conversation.id", req.ConversationID),
	)

	existing, err := s.openCaseFor(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("support: check open cases: %w", err)
	}
	if existing != nil {
		s.logger.Info("case already open, skipping duplicate",
			"case_id", existing.ID,
			"conversation_id", req.ConversationID,
		)
		return existing, nil
	}

	now := s.now()
	c := &Case{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Channel:        req.Channel,
		Region:         req.Region,
		Severity:       severity,
		Status:         StatusPending,
		HardTrigger:    req.HardTrigger,
		TriggerKeyword: req.TriggerKeyword,
		SourceEventID:  req.SourceEventID,
		SLADueAt:       now.Add(s.sla),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.storeCase(ctx, c); err != nil {
		return nil, fmt.Errorf("support: store case: %w", err)
	}

	if err := s.notifyOnCall(ctx, c); err != nil {
		s.logger.Error("failed to notify on-call", "error", err, "case_id", c.ID)
		// The case row stands either way; the sweeper retries the alert.
	}

	caseOpenedTotal.WithLabelValues(string(c.Severity)).Inc()
	s.logger.Info("case opened",
		"id", c.ID,
		"severity", c.Severity,
		"conversation_id", c.ConversationID,
		"sla_due_at", c.SLADueAt,
	)

	return c, nil
}

// Renotify re-alerts the rotation about an overdue case and pushes its due
// time out by one SLA interval so the sweeper does not fire every tick.
func (s *CaseService) Renotify(ctx context.Context, c *Case) error {
	ctx, span := caseTracer.Start(ctx, "support.renotify_case")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", c.ID.String()))

	if err := s.notifyOnCall(ctx, c); err != nil {
		return err
	}

	now := s.now()
	query := `
		UPDATE escalation_cases
		SET renotify_count = renotify_count + 1, sla_due_at = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	result, err := s.db.ExecContext(ctx, query, now.Add(s.sla), now, c.ID, StatusPending)
	if err != nil {
		return fmt.Errorf("support: renotify case: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCaseNotFound
	}

	caseRenotifiedTotal.Inc()
	s.logger.Warn("case past SLA, on-call renotified",
		"case_id", c.ID,
		"severity", c.Severity,
		"renotify_count", c.RenotifyCount+1,
	)
	return nil
}

// Acknowledge marks a pending case as picked up by a counselor.
func (s *CaseService) Acknowledge(ctx context.Context, caseID uuid.UUID, counselor string) error {
	ctx, span := caseTracer.Start(ctx, "support.acknowledge_case")
	defer span.End()

	now := s.now()
	query := `
		UPDATE escalation_cases
		SET status = $1, acknowledged_at = $2, acknowledged_by = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	result, err := s.db.ExecContext(ctx, query, StatusAcknowledged, now, counselor, now, caseID, StatusPending)
	if err != nil {
		return fmt.Errorf("support: acknowledge case: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCaseNotFound
	}

	s.logger.Info("case acknowledged", "id", caseID, "by", counselor)
	return nil
}

// Resolve closes a case with the counselor's outcome note.
func (s *CaseService) Resolve(ctx context.Context, caseID uuid.UUID, counselor, resolution string) error {
	ctx, span := caseTracer.Start(ctx, "support.resolve_case")
	defer span.End()

	now := s.now()
	query := `
		UPDATE escalation_cases
		SET status = $1, resolved_at = $2, resolved_by = $3, resolution = $4, updated_at = $5
		WHERE id = $6 AND status != $7
	`
	result, err := s.db.ExecContext(ctx, query, StatusResolved, now, counselor, resolution, now, caseID, StatusResolved)
	if err != nil {
		return fmt.Errorf("support: resolve case: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCaseNotFound
	}

	s.logger.Info("case resolved", "id", caseID, "by", counselor)
	return nil
}

// GetCase loads one case by id.
func (s *CaseService) GetCase(ctx context.Context, caseID uuid.UUID) (*Case, error) {
	query := caseSelect + ` WHERE id = $1`
	cases, err := s.queryCases(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("support: get case: %w", err)
	}
	if len(cases) == 0 {
		return nil, ErrCaseNotFound
	}
	return cases[0], nil
}

// ListPending returns unacknowledged cases, most urgent first.
func (s *CaseService) ListPending(ctx context.Context) ([]*Case, error) {
	query := caseSelect + `
		WHERE status = $1
		ORDER BY
			CASE severity WHEN 'critical' THEN 1 WHEN 'high' THEN 2 ELSE 3 END,
			created_at ASC
	`
	cases, err := s.queryCases(ctx, query, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("support: list pending cases: %w", err)
	}
	return cases, nil
}

// ListOverdue returns pending cases whose acknowledgement deadline has
// passed.
func (s *CaseService) ListOverdue(ctx context.Context) ([]*Case, error) {
	query := caseSelect + `
		WHERE status = $1 AND sla_due_at <= $2
		ORDER BY sla_due_at ASC
	`
	cases, err := s.queryCases(ctx, query, StatusPending, s.now())
	if err != nil {
		return nil, fmt.Errorf("support: list overdue cases: %w", err)
	}
	return cases, nil
}

func (s *CaseService) openCaseFor(ctx context.Context, conversationID string) (*Case, error) {
	query := caseSelect + `
		WHERE conversation_id = $1 AND status != $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	cases, err := s.queryCases(ctx, query, conversationID, StatusResolved)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, nil
	}
	return cases[0], nil
}

func (s *CaseService) storeCase(ctx context.Context, c *Case) error {
	query := `
		INSERT INTO escalation_cases (
			id, conversation_id, user_id, channel, region, severity, status,
			hard_trigger, trigger_keyword, source_event_id, sla_due_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.ConversationID, c.UserID, c.Channel, c.Region, c.Severity, c.Status,
		c.HardTrigger, c.TriggerKeyword, c.SourceEventID, c.SLADueAt,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// notifyOnCall alerts the rotation and records which channels got through.
// The pager fires for critical cases at any hour, and for every severity
// inside the after-hours window when the daytime rotation is off shift.
func (s *CaseService) notifyOnCall(ctx context.Context, c *Case) error {
	if s.notifier == nil {
		return nil
	}

	now := s.now()
	afterHours := s.hours != nil && s.hours.Contains(now)

	var via []string
	if c.Severity == SeverityCritical || afterHours {
		if err := s.notifier.SendPage(ctx, s.formatPageSummary(c)); err != nil {
			s.logger.Error("failed to page on-call", "error", err, "case_id", c.ID)
		} else {
			via = append(via, "pager")
		}
	}

	subject, body := s.formatEmailNotification(ctx, c)
	if err := s.notifier.SendEmail(ctx, subject, body); err != nil {
		s.logger.Error("failed to email on-call", "error", err, "case_id", c.ID)
	} else {
		via = append(via, "email")
	}

	if len(via) == 0 {
		return errors.New("support: no notification channel reached")
	}

	if err := s.recordNotification(ctx, c.ID, via, now); err != nil {
		s.logger.Error("failed to record notification channels", "error", err, "case_id", c.ID)
	}
	c.NotifiedVia = via
	c.NotifiedAt = &now
	return nil
}

func (s *CaseService) recordNotification(ctx context.Context, caseID uuid.UUID, via []string, at time.Time) error {
	query := `
		UPDATE escalation_cases
		SET notified_via = $1, notified_at = $2, updated_at = $2
		WHERE id = $3
	`
	_, err := s.db.ExecContext(ctx, query, pq.Array(via), at, caseID)
	return err
}

// formatPageSummary keeps pages short and free of message content.
func (s *CaseService) formatPageSummary(c *Case) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] crisis handoff, conversation %s", strings.ToUpper(string(c.Severity)), c.ConversationID))
	if c.HardTrigger {
		sb.WriteString(" (hard trigger)")
	}
	sb.WriteString(fmt.Sprintf(". Respond by %s.", c.SLADueAt.Format("15:04 MST")))
	return sb.String()
}

func (s *CaseService) formatEmailNotification(ctx context.Context, c *Case) (subject, body string) {
	subject = fmt.Sprintf("[%s] Crisis handoff for conversation %s", strings.ToUpper(string(c.Severity)), c.ConversationID)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Case ID: %s\n\n", c.ID))
	sb.WriteString(fmt.Sprintf("Severity: %s\n", c.Severity))
	sb.WriteString(fmt.Sprintf("Conversation: %s\n", c.ConversationID))
	if c.Channel != "" {
		sb.WriteString(fmt.Sprintf("Channel: %s\n", c.Channel))
	}
	if c.Region != "" {
		sb.WriteString(fmt.Sprintf("Region: %s\n", c.Region))
	}
	sb.WriteString(fmt.Sprintf("Opened: %s\n", c.CreatedAt.Format(time.RFC1123)))
	sb.WriteString(fmt.Sprintf("Respond by: %s\n", c.SLADueAt.Format(time.RFC1123)))

	if c.HardTrigger {
		sb.WriteString("\nHard trigger detection")
		if c.TriggerKeyword != "" {
			sb.WriteString(fmt.Sprintf(" (lexicon phrase: %q)", c.TriggerKeyword))
		}
		sb.WriteString("\n")
	}
	if c.RenotifyCount > 0 {
		sb.WriteString(fmt.Sprintf("\nThis case is past its SLA. Reminders sent: %d\n", c.RenotifyCount))
	}

	if s.bundles != nil {
		bundle, err := s.bundles.BuildBundle(ctx, c.ConversationID, 0)
		if err != nil {
			s.logger.Error("failed to build handoff bundle", "error", err, "case_id", c.ID)
		} else {
			sb.WriteString("\n")
			sb.WriteString(bundle.FormatPlainText())
		}
	}

	return subject, sb.String()
}

const caseSelect = `
	SELECT id, conversation_id, user_id, channel, region, severity, status,
		   hard_trigger, trigger_keyword, source_event_id, sla_due_at,
		   notified_via, notified_at, renotify_count,
		   acknowledged_at, acknowledged_by, resolved_at, resolved_by,
		   resolution, created_at, updated_at
	FROM escalation_cases
`

func (s *CaseService) queryCases(ctx context.Context, query string, args ...any) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		var c Case
		var userID, channel, region, keyword, sourceID, ackBy, resBy, resolution sql.NullString
		var notifiedVia pq.StringArray
		var notifiedAt, ackAt, resAt sql.NullTime

		err := rows.Scan(
			&c.ID, &c.ConversationID, &userID, &channel, &region, &c.Severity, &c.Status,
			&c.HardTrigger, &keyword, &sourceID, &c.SLADueAt,
			&notifiedVia, &notifiedAt, &c.RenotifyCount,
			&ackAt, &ackBy, &resAt, &resBy,
			&resolution, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		c.UserID = userID.String
		c.Channel = channel.String
		c.Region = region.String
		c.TriggerKeyword = keyword.String
		c.SourceEventID = sourceID.String
		c.AcknowledgedBy = ackBy.String
		c.ResolvedBy = resBy.String
		c.Resolution = resolution.String
		c.NotifiedVia = notifiedVia
		if notifiedAt.Valid {
			c.NotifiedAt = &notifiedAt.Time
		}
		if ackAt.Valid {
			c.AcknowledgedAt = &ackAt.Time
		}
		if resAt.Valid {
			c.ResolvedAt = &resAt.Time
		}

		cases = append(cases, &c)
	}

	return cases, rows.Err()
}

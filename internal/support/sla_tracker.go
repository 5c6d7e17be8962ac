package support

import (
	"context"
	"fmt"
	"time"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

// AfterHoursWindow marks the hours when the daytime rotation is off shift
// and alerts of every severity route to the overnight pager. Windows may
// wrap midnight, e.g. 21:00 to 07:00.
type AfterHoursWindow struct {
	start int // minutes after midnight, local to loc
	end   int
	loc   *time.Location
}

// ParseAfterHoursWindow builds a window from HH:MM bounds and an IANA zone
// name. Equal bounds produce an empty window.
func ParseAfterHoursWindow(start, end, tz string) (AfterHoursWindow, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return AfterHoursWindow{}, fmt.Errorf("support: invalid after-hours timezone %q: %w", tz, err)
	}
	s, err := parseClock(start)
	if err != nil {
		return AfterHoursWindow{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return AfterHoursWindow{}, err
	}
	return AfterHoursWindow{start: s, end: e, loc: loc}, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("support: invalid clock time %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window. The start bound is
// inclusive and the end bound exclusive.
func (w AfterHoursWindow) Contains(t time.Time) bool {
	if w.loc == nil || w.start == w.end {
		return false
	}
	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// defaultSweepInterval is how often the sweeper checks for overdue cases.
const defaultSweepInterval = time.Minute

// Sweeper re-alerts the on-call rotation when pending cases blow through
// their acknowledgement SLA. One sweeper runs per deployment, inside the
// escalation worker.
type Sweeper struct {
	cases    *CaseService
	logger   *logging.Logger
	interval time.Duration
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides how often the sweeper runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(w *Sweeper) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewSweeper creates an SLA sweeper over the given case service.
func NewSweeper(cases *CaseService, logger *logging.Logger, opts ...SweeperOption) *Sweeper {
	if cases == nil {
		panic("support: sweeper requires a case service")
	}
	if logger == nil {
		logger = logging.Default()
	}
	w := &Sweeper{
		cases:    cases,
		logger:   logger,
		interval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("sla sweeper started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sla sweeper stopped")
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("sla sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce renotifies every overdue pending case once.
func (w *Sweeper) SweepOnce(ctx context.Context) error {
	ctx, span := caseTracer.Start(ctx, "support.sla_sweep")
	defer span.End()

	overdue, err := w.cases.ListOverdue(ctx)
	if err != nil {
		return err
	}

	renotified := 0
	for _, c := range overdue {
		if err := w.cases.Renotify(ctx, c); err != nil {
			w.logger.Error("failed to renotify case", "error", err, "case_id", c.ID)
			continue
		}
		renotified++
	}

	if renotified > 0 {
		w.logger.Info("sla sweep complete", "overdue", len(overdue), "renotified", renotified)
	}
	return nil
}

// CaseStats summarizes desk activity for the admin dashboard.
type CaseStats struct {
	Opened            int     `json:"opened"`
	Pending           int     `json:"pending"`
	Overdue           int     `json:"overdue"`
	Resolved          int     `json:"resolved"`
	AvgAckSeconds     float64 `json:"avg_ack_seconds"`
	AvgResolveSeconds float64 `json:"avg_resolve_seconds"`
}

// GetCaseStats aggregates cases opened since the cutoff.
func (s *CaseService) GetCaseStats(ctx context.Context, since time.Time) (*CaseStats, error) {
	ctx, span := caseTracer.Start(ctx, "support.case_stats")
	defer span.End()

	query := `
		SELECT
			COUNT(*) AS opened,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'pending' AND sla_due_at <= now()) AS overdue,
			COUNT(*) FILTER (WHERE status = 'resolved') AS resolved,
			COALESCE(AVG(EXTRACT(EPOCH FROM (acknowledged_at - created_at))) FILTER (WHERE acknowledged_at IS NOT NULL), 0) AS avg_ack_seconds,
			COALESCE(AVG(EXTRACT(EPOCH FROM (resolved_at - created_at))) FILTER (WHERE resolved_at IS NOT NULL), 0) AS avg_resolve_seconds
		FROM escalation_cases
		WHERE created_at >= $1
	`

	var stats CaseStats
	err := s.db.QueryRowContext(ctx, query, since).Scan(
		&stats.Opened,
		&stats.Pending,
		&stats.Overdue,
		&stats.Resolved,
		&stats.AvgAckSeconds,
		&stats.AvgResolveSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("support: case stats: %w", err)
	}
	return &stats, nil
}

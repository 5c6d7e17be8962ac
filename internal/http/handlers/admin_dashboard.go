package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// AdminDashboardHandler handles the counselor console overview endpoint.
type AdminDashboardHandler struct {
	db       *sql.DB
	cases    *support.CaseService
	gatherer prometheus.Gatherer
	logger   *logging.Logger
}

// NewAdminDashboardHandler creates a new dashboard handler. The gatherer may
// be nil, in which case the latency section is omitted.
func NewAdminDashboardHandler(db *sql.DB, cases *support.CaseService, gatherer prometheus.Gatherer, logger *logging.Logger) *AdminDashboardHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminDashboardHandler{
		db:       db,
		cases:    cases,
		gatherer: gatherer,
		logger:   logger,
	}
}

// DashboardOverviewResponse contains the main dashboard metrics.
type DashboardOverviewResponse struct {
	Period        string              `json:"period"`
	Cases         *support.CaseStats  `json:"cases,omitempty"`
	Conversations ConversationMetrics `json:"conversations"`
	Escalations   EscalationMetrics   `json:"escalations"`
	Mood          MoodMetrics         `json:"mood"`
	Latency       []LatencySample     `json:"latency,omitempty"`
}

// ConversationMetrics counts conversation activity over the period.
type ConversationMetrics struct {
	Total    int `json:"total"`
	Today    int `json:"today"`
	ThisWeek int `json:"this_week"`
	InCrisis int `json:"in_crisis"`
}

// EscalationMetrics summarizes escalation state transitions.
type EscalationMetrics struct {
	CrisisEntries int        `json:"crisis_entries"`
	HardTriggers  int        `json:"hard_triggers"`
	CooldownExits int        `json:"cooldown_exits"`
	CrisisByDay   []DayCount `json:"crisis_by_day,omitempty"`
}

// DayCount is one day's tally in a time series.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// MoodMetrics summarizes check-in and screening activity.
type MoodMetrics struct {
	CheckIns        int     `json:"check_ins"`
	Assessments     int     `json:"assessments"`
	AvgWellbeing    float64 `json:"avg_wellbeing"`
	SelfHarmFlagged int     `json:"self_harm_flagged"`
}

// LatencySample is the mean turn latency for one channel, read from the
// process metrics registry.
type LatencySample struct {
	Channel     string  `json:"channel"`
	Turns       uint64  `json:"turns"`
	MeanSeconds float64 `json:"mean_seconds"`
}

// GetDashboardOverview returns the console overview.
// GET /admin/dashboard?period=day|week|month
func (h *AdminDashboardHandler) GetDashboardOverview(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	var since time.Time
	now := time.Now()
	switch period {
	case "day":
		since = now.AddDate(0, 0, -1)
	case "month":
		since = now.AddDate(0, -1, 0)
	case "", "week":
		period = "week"
		since = now.AddDate(0, 0, -7)
	default:
		jsonError(w, "period must be day, week, or month", http.StatusBadRequest)
		return
	}

	overview := DashboardOverviewResponse{Period: period}

	if h.cases != nil {
		stats, err := h.cases.GetCaseStats(r.Context(), since)
		if err != nil {
			h.logger.Error("case stats failed", "error", err)
		} else {
			overview.Cases = stats
		}
	}

	today := now.Truncate(24 * time.Hour)
	weekAgo := now.AddDate(0, 0, -7)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM conversations`,
	).Scan(&overview.Conversations.Total)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM conversations WHERE last_message_at >= $1`, today,
	).Scan(&overview.Conversations.Today)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM conversations WHERE last_message_at >= $1`, weekAgo,
	).Scan(&overview.Conversations.ThisWeek)

	// A conversation is in crisis when its most recent transition landed
	// there. The authoritative state lives in the DynamoDB state store;
	// the transition log is close enough for a console overview.
	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM (
			SELECT DISTINCT ON (conversation_id) to_state
			FROM escalation_transitions
			ORDER BY conversation_id, occurred_at DESC
		 ) latest WHERE latest.to_state = 'crisis'`,
	).Scan(&overview.Conversations.InCrisis)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM escalation_transitions
		 WHERE to_state = 'crisis' AND from_state != 'crisis' AND occurred_at >= $1`, since,
	).Scan(&overview.Escalations.CrisisEntries)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM escalation_transitions
		 WHERE to_state = 'crisis' AND hard_trigger AND occurred_at >= $1`, since,
	).Scan(&overview.Escalations.HardTriggers)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM escalation_transitions
		 WHERE from_state = 'cooldown' AND to_state = 'normal' AND occurred_at >= $1`, since,
	).Scan(&overview.Escalations.CooldownExits)

	overview.Escalations.CrisisByDay = h.crisisByDay(r, since)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM mood_entries WHERE recorded_at >= $1`, since,
	).Scan(&overview.Mood.CheckIns)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM assessments WHERE recorded_at >= $1`, since,
	).Scan(&overview.Mood.Assessments)

	h.db.QueryRowContext(r.Context(),
		`SELECT COALESCE(AVG(wellbeing), 0) FROM mood_entries WHERE recorded_at >= $1`, since,
	).Scan(&overview.Mood.AvgWellbeing)

	h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM mood_entries WHERE self_harm_flag AND recorded_at >= $1`, since,
	).Scan(&overview.Mood.SelfHarmFlagged)

	overview.Latency = h.latencySamples()

	writeJSON(w, http.StatusOK, overview)
}

func (h *AdminDashboardHandler) crisisByDay(r *http.Request, since time.Time) []DayCount {
	rows, err := h.db.QueryContext(r.Context(),
		`SELECT DATE(occurred_at)::text, COUNT(*)
		 FROM escalation_transitions
		 WHERE to_state = 'crisis' AND from_state != 'crisis' AND occurred_at >= $1
		 GROUP BY DATE(occurred_at)
		 ORDER BY DATE(occurred_at)`, since)
	if err != nil {
		h.logger.Error("crisis by day query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			continue
		}
		out = append(out, dc)
	}
	return out
}

// latencySamples reads turn latency from the metrics registry so the console
// shows live numbers without a separate metrics backend.
func (h *AdminDashboardHandler) latencySamples() []LatencySample {
	if h.gatherer == nil {
		return nil
	}
	families, err := h.gatherer.Gather()
	if err != nil {
		h.logger.Error("metrics gather failed", "error", err)
		return nil
	}

	var out []LatencySample
	for _, fam := range families {
		if fam.GetName() != "companion_intake_turn_latency_seconds" {
			continue
		}
		for _, m := range fam.GetMetric() {
			hist := m.GetHistogram()
			if hist == nil || hist.GetSampleCount() == 0 {
				continue
			}
			sample := LatencySample{
				Channel:     labelValue(m, "channel"),
				Turns:       hist.GetSampleCount(),
				MeanSeconds: hist.GetSampleSum() / float64(hist.GetSampleCount()),
			}
			out = append(out, sample)
		}
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tmhealth/companion-platform/internal/http/middleware"
	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// AdminEscalationsHandler serves the counselor escalation queue: listing
// open cases, acknowledging and resolving them, and fetching the handoff
// bundle for a conversation.
type AdminEscalationsHandler struct {
	cases   *support.CaseService
	handoff *support.HandoffService
	logger  *logging.Logger
}

// NewAdminEscalationsHandler creates a new escalation queue handler.
func NewAdminEscalationsHandler(cases *support.CaseService, handoff *support.HandoffService, logger *logging.Logger) *AdminEscalationsHandler {
	if cases == nil {
		panic("handlers: nil case service")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminEscalationsHandler{
		cases:   cases,
		handoff: handoff,
		logger:  logger,
	}
}

// caseResponse is the wire shape of a case in queue listings. Trigger
// keywords come from the lexicon, never from raw message text, so the
// payload is safe to render in the console.
type caseResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Channel        string     `json:"channel"`
	Region         string     `json:"region"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	HardTrigger    bool       `json:"hard_trigger"`
	TriggerKeyword string     `json:"trigger_keyword,omitempty"`
	SLADueAt       time.Time  `json:"sla_due_at"`
	Overdue        bool       `json:"overdue"`
	NotifiedVia    []string   `json:"notified_via,omitempty"`
	RenotifyCount  int        `json:"renotify_count"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toCaseResponse(c *support.Case, now time.Time) caseResponse {
	return caseResponse{
		ID:             c.ID.String(),
		ConversationID: c.ConversationID,
		Channel:        c.Channel,
		Region:         c.Region,
		Severity:       string(c.Severity),
		Status:         string(c.Status),
		HardTrigger:    c.HardTrigger,
		TriggerKeyword: c.TriggerKeyword,
		SLADueAt:       c.SLADueAt,
		Overdue:        c.Status == support.StatusPending && now.After(c.SLADueAt),
		NotifiedVia:    c.NotifiedVia,
		RenotifyCount:  c.RenotifyCount,
		AcknowledgedAt: c.AcknowledgedAt,
		AcknowledgedBy: c.AcknowledgedBy,
		ResolvedAt:     c.ResolvedAt,
		ResolvedBy:     c.ResolvedBy,
		Resolution:     c.Resolution,
		CreatedAt:      c.CreatedAt,
	}
}

// ListCases returns the open case queue, most urgent first.
// GET /admin/escalations?status=pending|overdue
func (h *AdminEscalationsHandler) ListCases(w http.ResponseWriter, r *http.Request) {
	status := strings.ToLower(r.URL.Query().Get("status"))
	if status == "" {
		status = "pending"
	}

	var (
		cases []*support.Case
		err   error
	)
	switch status {
	case "pending":
		cases, err = h.cases.ListPending(r.Context())
	case "overdue":
		cases, err = h.cases.ListOverdue(r.Context())
	default:
		jsonError(w, "status must be pending or overdue", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("list cases failed", "status", status, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	out := make([]caseResponse, 0, len(cases))
	for _, c := range cases {
		out = append(out, toCaseResponse(c, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"count":  len(out),
		"cases":  out,
	})
}

// GetCase returns one case by id.
// GET /admin/escalations/{caseID}
func (h *AdminEscalationsHandler) GetCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	c, err := h.cases.GetCase(r.Context(), caseID)
	if errors.Is(err, support.ErrCaseNotFound) {
		jsonError(w, "case not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("get case failed", "case_id", caseID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, time.Now()))
}

type ackRequest struct {
	Counselor string `json:"counselor"`
}

// AcknowledgeCase marks a pending case as picked up by a counselor. The
// counselor name defaults to the JWT subject set by the auth middleware.
// POST /admin/escalations/{caseID}/ack
func (h *AdminEscalationsHandler) AcknowledgeCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var req ackRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	counselor := h.counselor(r, req.Counselor)
	if counselor == "" {
		jsonError(w, "counselor is required", http.StatusBadRequest)
		return
	}

	err := h.cases.Acknowledge(r.Context(), caseID, counselor)
	if errors.Is(err, support.ErrCaseNotFound) {
		jsonError(w, "case not found or already acknowledged", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("acknowledge case failed", "case_id", caseID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("case acknowledged", "case_id", caseID, "counselor", counselor)
	writeJSON(w, http.StatusOK, map[string]string{
		"case_id": caseID.String(),
		"status":  string(support.StatusAcknowledged),
	})
}

type resolveRequest struct {
	Counselor  string `json:"counselor"`
	Resolution string `json:"resolution"`
}

// ResolveCase closes an acknowledged case with a resolution note.
// POST /admin/escalations/{caseID}/resolve
func (h *AdminEscalationsHandler) ResolveCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	counselor := h.counselor(r, req.Counselor)
	if counselor == "" {
		jsonError(w, "counselor is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Resolution) == "" {
		jsonError(w, "resolution is required", http.StatusBadRequest)
		return
	}

	err := h.cases.Resolve(r.Context(), caseID, counselor, req.Resolution)
	if errors.Is(err, support.ErrCaseNotFound) {
		jsonError(w, "case not found or already resolved", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("resolve case failed", "case_id", caseID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("case resolved", "case_id", caseID, "counselor", counselor)
	writeJSON(w, http.StatusOK, map[string]string{
		"case_id": caseID.String(),
		"status":  string(support.StatusResolved),
	})
}

// GetHandoffBundle returns the redacted transcript bundle for a case's
// conversation.
// GET /admin/escalations/{caseID}/bundle
func (h *AdminEscalationsHandler) GetHandoffBundle(w http.ResponseWriter, r *http.Request) {
	if h.handoff == nil {
		jsonError(w, "handoff bundles not configured", http.StatusNotImplemented)
		return
	}
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	c, err := h.cases.GetCase(r.Context(), caseID)
	if errors.Is(err, support.ErrCaseNotFound) {
		jsonError(w, "case not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("get case failed", "case_id", caseID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	bundle, err := h.handoff.BuildBundle(r.Context(), c.ConversationID, 0)
	if err != nil {
		h.logger.Error("build bundle failed", "case_id", caseID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(bundle.FormatPlainText()))
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *AdminEscalationsHandler) caseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "caseID")
	id, err := uuid.Parse(raw)
	if err != nil {
		jsonError(w, "invalid case id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// counselor resolves the acting counselor name, preferring the explicit
// request field over the authenticated subject.
func (h *AdminEscalationsHandler) counselor(r *http.Request, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if claims, ok := middleware.AdminClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

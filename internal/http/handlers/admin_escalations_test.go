package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

type noopNotifier struct{}

func (noopNotifier) SendEmail(context.Context, string, string) error { return nil }
func (noopNotifier) SendPage(context.Context, string) error          { return nil }

func caseColumns() []string {
	return []string{
		"id", "conversation_id", "user_id", "channel", "region", "severity", "status",
		"hard_trigger", "trigger_keyword", "source_event_id", "sla_due_at",
		"notified_via", "notified_at", "renotify_count",
		"acknowledged_at", "acknowledged_by", "resolved_at", "resolved_by",
		"resolution", "created_at", "updated_at",
	}
}

func pendingCaseRow(id uuid.UUID, conversationID string, dueAt time.Time) *sqlmock.Rows {
	created := dueAt.Add(-15 * time.Minute)
	return sqlmock.NewRows(caseColumns()).AddRow(
		id.String(), conversationID, "user-1", "telegram", "AU", "critical", "pending",
		true, "end my life", nil, dueAt,
		nil, nil, 0,
		nil, nil, nil, nil,
		nil, created, created,
	)
}

func newEscalationsHandler(t *testing.T) (*AdminEscalationsHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cases := support.NewCaseService(db, noopNotifier{}, logging.Default())
	return NewAdminEscalationsHandler(cases, nil, logging.Default()), mock
}

func withCaseID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("caseID", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestListCasesPending(t *testing.T) {
	handler, mock := newEscalationsHandler(t)

	caseID := uuid.New()
	dueAt := time.Now().Add(-time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WillReturnRows(pendingCaseRow(caseID, "telegram:9001", dueAt))

	req := httptest.NewRequest(http.MethodGet, "/admin/escalations", nil)
	rec := httptest.NewRecorder()
	handler.ListCases(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string         `json:"status"`
		Count  int            `json:"count"`
		Cases  []caseResponse `json:"cases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	require.Len(t, resp.Cases, 1)
	assert.Equal(t, caseID.String(), resp.Cases[0].ID)
	assert.Equal(t, "telegram:9001", resp.Cases[0].ConversationID)
	assert.True(t, resp.Cases[0].HardTrigger)
	assert.True(t, resp.Cases[0].Overdue, "past SLA deadline should read as overdue")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCasesRejectsUnknownStatus(t *testing.T) {
	handler, _ := newEscalationsHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/escalations?status=closed", nil)
	rec := httptest.NewRecorder()
	handler.ListCases(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcknowledgeCase(t *testing.T) {
	handler, mock := newEscalationsHandler(t)

	caseID := uuid.New()
	mock.ExpectExec("UPDATE escalation_cases").
		WithArgs(support.StatusAcknowledged, sqlmock.AnyArg(), "counselor-jo", sqlmock.AnyArg(), caseID, support.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"counselor":"counselor-jo"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/escalations/"+caseID.String()+"/ack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.AcknowledgeCase(rec, withCaseID(req, caseID.String()))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeCaseAlreadyHandled(t *testing.T) {
	handler, mock := newEscalationsHandler(t)

	caseID := uuid.New()
	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 0))

	body := []byte(`{"counselor":"counselor-jo"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/escalations/"+caseID.String()+"/ack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.AcknowledgeCase(rec, withCaseID(req, caseID.String()))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAcknowledgeCaseRequiresCounselor(t *testing.T) {
	handler, _ := newEscalationsHandler(t)

	caseID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/admin/escalations/"+caseID.String()+"/ack", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.AcknowledgeCase(rec, withCaseID(req, caseID.String()))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveCaseRequiresResolution(t *testing.T) {
	handler, _ := newEscalationsHandler(t)

	caseID := uuid.New()
	body := []byte(`{"counselor":"counselor-jo"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/escalations/"+caseID.String()+"/resolve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ResolveCase(rec, withCaseID(req, caseID.String()))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCaseInvalidID(t *testing.T) {
	handler, _ := newEscalationsHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/escalations/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	handler.GetCase(rec, withCaseID(req, "not-a-uuid"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

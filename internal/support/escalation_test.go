package support

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNotifier struct {
	mu       sync.Mutex
	emails   []string
	bodies   []string
	pages    []string
	emailErr error
	pageErr  error
}

func (n *stubNotifier) SendEmail(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.emailErr != nil {
		return n.emailErr
	}
	n.emails = append(n.emails, subject)
	n.bodies = append(n.bodies, body)
	return nil
}

func (n *stubNotifier) SendPage(_ context.Context, summary string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pageErr != nil {
		return n.pageErr
	}
	n.pages = append(n.pages, summary)
	return nil
}

func caseColumns() []string {
	return []string{
		"id", "conversation_id", "user_id", "channel", "region", "severity", "status",
		"hard_trigger", "trigger_keyword", "source_event_id", "sla_due_at",
		"notified_via", "notified_at", "renotify_count",
		"acknowledged_at", "acknowledged_by", "resolved_at", "resolved_by",
		"resolution", "created_at", "updated_at",
	}
}

func addPendingCaseRow(rows *sqlmock.Rows, id uuid.UUID, conversationID, severity string, dueAt time.Time) *sqlmock.Rows {
	created := dueAt.Add(-15 * time.Minute)
	return rows.AddRow(
		id.String(), conversationID, "user-1", "telegram", "US", severity, "pending",
		severity == "critical", nil, nil, dueAt,
		nil, nil, 0,
		nil, nil, nil, nil,
		nil, created, created,
	)
}

func TestOpenCaseStoresAndNotifies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notifier := &stubNotifier{}
	svc := NewCaseService(db, notifier, nil)
	fixed := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WithArgs("conv-1", "resolved").
		WillReturnRows(sqlmock.NewRows(caseColumns()))
	mock.ExpectExec("INSERT INTO escalation_cases").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c, err := svc.OpenCase(context.Background(), CaseRequest{
		ConversationID: "conv-1",
		UserID:         "user-1",
		Channel:        "telegram",
		Region:         "US",
		HardTrigger:    true,
		TriggerKeyword: "overdose plan",
		SourceEventID:  "evt-1",
	})
	require.NoError(t, err)

	assert.Equal(t, SeverityCritical, c.Severity)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, fixed.Add(defaultCaseSLA), c.SLADueAt)
	assert.Equal(t, []string{"pager", "email"}, c.NotifiedVia)

	require.Len(t, notifier.pages, 1)
	require.Len(t, notifier.emails, 1)
	// Pages carry no lexicon phrases or message content.
	assert.NotContains(t, notifier.pages[0], "overdose plan")
	assert.Contains(t, notifier.bodies[0], "overdose plan")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenCaseHighSeverityEmailsOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notifier := &stubNotifier{}
	svc := NewCaseService(db, notifier, nil)

	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WillReturnRows(sqlmock.NewRows(caseColumns()))
	mock.ExpectExec("INSERT INTO escalation_cases").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c, err := svc.OpenCase(context.Background(), CaseRequest{
		ConversationID: "conv-2",
		HardTrigger:    false,
	})
	require.NoError(t, err)

	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Empty(t, notifier.pages)
	assert.Len(t, notifier.emails, 1)
	assert.Equal(t, []string{"email"}, c.NotifiedVia)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenCaseAfterHoursAlwaysPages(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	window, err := ParseAfterHoursWindow("21:00", "07:00", "UTC")
	require.NoError(t, err)

	notifier := &stubNotifier{}
	svc := NewCaseService(db, notifier, nil, WithAfterHours(window))
	svc.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	}

	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WillReturnRows(sqlmock.NewRows(caseColumns()))
	mock.ExpectExec("INSERT INTO escalation_cases").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c, err := svc.OpenCase(context.Background(), CaseRequest{
		ConversationID: "conv-3",
		HardTrigger:    false,
	})
	require.NoError(t, err)

	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Len(t, notifier.pages, 1)
	assert.Equal(t, []string{"pager", "email"}, c.NotifiedVia)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenCaseReturnsExistingOpenCase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notifier := &stubNotifier{}
	svc := NewCaseService(db, notifier, nil)

	existingID := uuid.New()
	rows := addPendingCaseRow(sqlmock.NewRows(caseColumns()), existingID, "conv-1", "critical", time.Now().Add(10*time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WillReturnRows(rows)

	c, err := svc.OpenCase(context.Background(), CaseRequest{
		ConversationID: "conv-1",
		HardTrigger:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, existingID, c.ID)
	assert.Empty(t, notifier.pages)
	assert.Empty(t, notifier.emails)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenCaseRequiresConversationID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewCaseService(db, &stubNotifier{}, nil)

	_, err = svc.OpenCase(context.Background(), CaseRequest{})
	assert.Error(t, err)
}

func TestOpenCaseSurvivesNotifierOutage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notifier := &stubNotifier{
		emailErr: assert.AnError,
		pageErr:  assert.AnError,
	}
	svc := NewCaseService(db, notifier, nil)

	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WillReturnRows(sqlmock.NewRows(caseColumns()))
	mock.ExpectExec("INSERT INTO escalation_cases").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c, err := svc.OpenCase(context.Background(), CaseRequest{
		ConversationID: "conv-4",
		HardTrigger:    true,
	})
	require.NoError(t, err)

	// The row stands so the sweeper can retry the alert.
	assert.Equal(t, StatusPending, c.Status)
	assert.Empty(t, c.NotifiedVia)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledge(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewCaseService(db, &stubNotifier{}, nil)
	caseID := uuid.New()

	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = svc.Acknowledge(context.Background(), caseID, "counselor-anna")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlreadyHandled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewCaseService(db, &stubNotifier{}, nil)

	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = svc.Acknowledge(context.Background(), uuid.New(), "counselor-anna")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestResolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewCaseService(db, &stubNotifier{}, nil)

	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = svc.Resolve(context.Background(), uuid.New(), "counselor-anna", "warm handoff to local services")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAlreadyResolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewCaseService(db, &stubNotifier{}, nil)

	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = svc.Resolve(context.Background(), uuid.New(), "counselor-anna", "duplicate")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestListPendingScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewCaseService(db, &stubNotifier{}, nil)

	now := time.Now().UTC()
	critical := uuid.New()
	high := uuid.New()
	rows := sqlmock.NewRows(caseColumns()).
		AddRow(
			critical.String(), "conv-1", "user-1", "telegram", "US", "critical", "pending",
			true, "overdose plan", "evt-1", now.Add(10*time.Minute),
			[]byte(`{pager,email}`), now, 1,
			nil, nil, nil, nil,
			nil, now, now,
		).
		AddRow(
			high.String(), "conv-2", nil, nil, nil, "high", "pending",
			false, nil, nil, now.Add(12*time.Minute),
			nil, nil, 0,
			nil, nil, nil, nil,
			nil, now, now,
		)

	mock.ExpectQuery("SELECT (.+) FROM escalation_cases").
		WillReturnRows(rows)

	cases, err := svc.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, cases, 2)

	assert.Equal(t, critical, cases[0].ID)
	assert.Equal(t, SeverityCritical, cases[0].Severity)
	assert.Equal(t, []string{"pager", "email"}, cases[0].NotifiedVia)
	assert.True(t, cases[0].HardTrigger)
	assert.Equal(t, "overdose plan", cases[0].TriggerKeyword)
	assert.NotNil(t, cases[0].NotifiedAt)
	assert.Equal(t, 1, cases[0].RenotifyCount)

	assert.Equal(t, high, cases[1].ID)
	assert.Empty(t, cases[1].NotifiedVia)
	assert.Nil(t, cases[1].NotifiedAt)
	assert.Empty(t, cases[1].TriggerKeyword)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenotifyAlertsAndExtendsDeadline(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notifier := &stubNotifier{}
	svc := NewCaseService(db, notifier, nil)

	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE escalation_cases").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := &Case{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		Severity:       SeverityCritical,
		Status:         StatusPending,
		SLADueAt:       time.Now().Add(-time.Hour),
	}

	err = svc.Renotify(context.Background(), c)
	require.NoError(t, err)

	assert.Len(t, notifier.pages, 1)
	assert.Len(t, notifier.emails, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

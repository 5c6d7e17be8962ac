package notify

import (
	"context"
	"errors"
	"testing"
)

// Mock implementations

type mockEmailSender struct {
	sent    []EmailMessage
	failOn  string // fail if To matches this
	callErr error
}

func (m *mockEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if m.callErr != nil {
		return m.callErr
	}
	if m.failOn != "" && msg.To == m.failOn {
		return errors.New("mock email error")
	}
	m.sent = append(m.sent, msg)
	return nil
}

type mockPager struct {
	pages   []string
	callErr error
}

func (m *mockPager) SendPage(ctx context.Context, summary string) error {
	if m.callErr != nil {
		return m.callErr
	}
	m.pages = append(m.pages, summary)
	return nil
}

func TestSendEmailFansOutToAllRecipients(t *testing.T) {
	email := &mockEmailSender{}
	svc := NewService(email, nil, []string{"oncall-a@example.org", "oncall-b@example.org"}, nil)

	err := svc.SendEmail(context.Background(), "[CRITICAL] Crisis handoff", "case body")
	if err != nil {
		t.Fatalf("SendEmail returned error: %v", err)
	}

	if len(email.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(email.sent))
	}
	if email.sent[0].To != "oncall-a@example.org" {
		t.Errorf("unexpected first recipient: %s", email.sent[0].To)
	}
	if email.sent[1].Subject != "[CRITICAL] Crisis handoff" {
		t.Errorf("unexpected subject: %s", email.sent[1].Subject)
	}
}

func TestSendEmailPartialFailureStillDelivers(t *testing.T) {
	email := &mockEmailSender{failOn: "down@example.org"}
	svc := NewService(email, nil, []string{"down@example.org", "up@example.org"}, nil)

	err := svc.SendEmail(context.Background(), "subject", "body")
	if err != nil {
		t.Fatalf("expected success when one recipient is reachable, got: %v", err)
	}

	if len(email.sent) != 1 {
		t.Fatalf("expected 1 delivered email, got %d", len(email.sent))
	}
	if email.sent[0].To != "up@example.org" {
		t.Errorf("unexpected recipient: %s", email.sent[0].To)
	}
}

func TestSendEmailAllRecipientsFailing(t *testing.T) {
	email := &mockEmailSender{callErr: errors.New("smtp down")}
	svc := NewService(email, nil, []string{"a@example.org", "b@example.org"}, nil)

	err := svc.SendEmail(context.Background(), "subject", "body")
	if err == nil {
		t.Fatal("expected error when every recipient fails")
	}
}

func TestSendEmailUnconfigured(t *testing.T) {
	svc := NewService(nil, &mockPager{}, []string{"a@example.org"}, nil)
	if err := svc.SendEmail(context.Background(), "subject", "body"); err == nil {
		t.Error("expected error when email sender is missing")
	}

	svc = NewService(&mockEmailSender{}, nil, nil, nil)
	if err := svc.SendEmail(context.Background(), "subject", "body"); err == nil {
		t.Error("expected error when recipient list is empty")
	}
}

func TestSendPageForwardsToPager(t *testing.T) {
	pager := &mockPager{}
	svc := NewService(nil, pager, nil, nil)

	err := svc.SendPage(context.Background(), "[CRITICAL] crisis handoff, conversation conv-1")
	if err != nil {
		t.Fatalf("SendPage returned error: %v", err)
	}

	if len(pager.pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pager.pages))
	}
}

func TestSendPageUnconfigured(t *testing.T) {
	svc := NewService(&mockEmailSender{}, nil, []string{"a@example.org"}, nil)
	if err := svc.SendPage(context.Background(), "summary"); err == nil {
		t.Error("expected error when pager is missing")
	}
}

func TestSendPagePropagatesPagerError(t *testing.T) {
	pager := &mockPager{callErr: errors.New("webhook 502")}
	svc := NewService(nil, pager, nil, nil)

	if err := svc.SendPage(context.Background(), "summary"); err == nil {
		t.Error("expected pager error to propagate")
	}
}

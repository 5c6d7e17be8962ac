package notify

import (
	"context"
	"fmt"

	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Service fans case alerts out to the on-call counselor rotation. The
// escalation desk hands it a subject and body; this layer only decides who
// receives them and over which transport.
type Service struct {
	email      EmailSender
	pager      PagerSender
	recipients []string
	logger     *logging.Logger
}

var _ support.NotificationChannel = (*Service)(nil)

// NewService creates a notification service. recipients is the on-call
// email list; either transport may be nil when not configured.
func NewService(email EmailSender, pager PagerSender, recipients []string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:      email,
		pager:      pager,
		recipients: recipients,
		logger:     logger,
	}
}

// SendEmail emails every on-call recipient. Reaching at least one recipient
// counts as delivery; the desk records the channel as notified and the SLA
// sweeper covers anyone who was missed.
func (s *Service) SendEmail(ctx context.Context, subject, body string) error {
	if s.email == nil {
		return fmt.Errorf("notify: email sender not configured")
	}
	if len(s.recipients) == 0 {
		return fmt.Errorf("notify: no on-call email recipients configured")
	}

	sent := 0
	for _, recipient := range s.recipients {
		msg := EmailMessage{
			To:      recipient,
			Subject: subject,
			Body:    body,
		}
		if err := s.email.Send(ctx, msg); err != nil {
			s.logger.Error("failed to email on-call counselor", "error", err, "to", recipient)
			continue
		}
		sent++
	}

	if sent == 0 {
		return fmt.Errorf("notify: all %d on-call emails failed", len(s.recipients))
	}

	s.logger.Info("on-call rotation emailed", "recipients", sent, "subject", subject)
	return nil
}

// SendPage forwards the page to the configured pager gateway.
func (s *Service) SendPage(ctx context.Context, summary string) error {
	if s.pager == nil {
		return fmt.Errorf("notify: pager not configured")
	}
	return s.pager.SendPage(ctx, summary)
}

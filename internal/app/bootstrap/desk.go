package bootstrap

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/notify"
	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// BuildNotifier creates the on-call notification channel. SendGrid wins when
// both email providers are configured; with neither, the stub logs intents so
// local setups still show the alert flow.
func BuildNotifier(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *notify.Service {
	if logger == nil {
		logger = logging.Default()
	}

	var email notify.EmailSender
	switch {
	case strings.TrimSpace(cfg.SendGridAPIKey) != "":
		email = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
		logger.Info("counselor email via sendgrid", "from", cfg.SendGridFromEmail)
	case strings.TrimSpace(cfg.SESFromEmail) != "":
		email = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SESFromName,
		}, logger)
		logger.Info("counselor email via ses", "from", cfg.SESFromEmail)
	default:
		email = notify.NewStubEmailSender(logger)
		logger.Warn("no email provider configured; counselor emails are logged only")
	}

	var pager notify.PagerSender
	if strings.TrimSpace(cfg.PagerWebhookURL) != "" {
		pager = notify.NewWebhookPager(cfg.PagerWebhookURL, logger)
	} else {
		pager = notify.NewStubPager(logger)
		logger.Warn("no pager webhook configured; pages are logged only")
	}

	return notify.NewService(email, pager, cfg.OnCallRecipients(), logger)
}

// BuildCaseService wires the counselor escalation desk: case storage, on-call
// notification, the acknowledgement SLA, the optional after-hours window, and
// handoff bundles built from the redacted transcript.
func BuildCaseService(cfg *appconfig.Config, sqlDB *sql.DB, notifier support.NotificationChannel, logger *logging.Logger) (*support.CaseService, *support.HandoffService, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if sqlDB == nil {
		return nil, nil, fmt.Errorf("bootstrap: escalation desk requires a database")
	}
	if logger == nil {
		logger = logging.Default()
	}

	handoff := support.NewHandoffService(sqlDB, conversation.RedactForAudit, logger)

	opts := []support.CaseServiceOption{
		support.WithCaseSLA(cfg.EscalationSLA),
		support.WithBundleSource(handoff),
	}

	if cfg.AfterHoursStart != "" && cfg.AfterHoursEnd != "" {
		window, err := support.ParseAfterHoursWindow(cfg.AfterHoursStart, cfg.AfterHoursEnd, cfg.AfterHoursTimezone)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: after-hours window: %w", err)
		}
		opts = append(opts, support.WithAfterHours(window))
		logger.Info("after-hours routing enabled",
			"start", cfg.AfterHoursStart,
			"end", cfg.AfterHoursEnd,
			"tz", cfg.AfterHoursTimezone,
		)
	}

	return support.NewCaseService(sqlDB, notifier, logger, opts...), handoff, nil
}

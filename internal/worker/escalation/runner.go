package escalationworker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/tmhealth/companion-platform/cmd/mainconfig"
	appbootstrap "github.com/tmhealth/companion-platform/internal/app/bootstrap"
	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/events"
	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Run starts the escalation worker and blocks until ctx is canceled. It
// drains the safety outbox into counselor cases and check-in jobs, and
// sweeps pending cases past their acknowledgement SLA.
func Run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg == nil {
		return fmt.Errorf("escalation worker requires config")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("escalation worker requires DATABASE_URL; the outbox lives in postgres")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("worker failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	awsConfig, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	notifier := appbootstrap.BuildNotifier(cfg, awsConfig, logger)
	cases, _, err := appbootstrap.BuildCaseService(cfg, sqlDB, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to configure case service: %w", err)
	}

	fanout := Fanout{NewCaseOpener(cases, logger)}

	// Cooldown events become proactive check-in jobs when a conversation
	// queue is configured; without one the outbox row is still the audit
	// record, so the event is acknowledged and dropped.
	if strings.TrimSpace(cfg.ConversationQueueURL) != "" {
		queue := conversation.NewSQSQueue(sqs.NewFromConfig(awsConfig), cfg.ConversationQueueURL)
		publisher := conversation.NewPublisher(queue, logger)
		fanout = append(fanout, conversation.NewOutboxDispatcher(publisher))
	} else {
		logger.Warn("no conversation queue configured; cooldown check-ins will not be scheduled")
	}

	deliverer := events.NewDeliverer(events.NewOutboxStore(pool), fanout, logger)
	sweeper := support.NewSweeper(cases, logger)

	// Resolved cases move to cold storage when an archive bucket is
	// configured.
	archiver, err := appbootstrap.BuildArchiver(cfg, awsConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to configure archiver: %w", err)
	}
	var archiveSweep *ArchiveSweep
	if archiver != nil {
		archiveSweep = NewArchiveSweep(sqlDB, archiver,
			conversation.NewConversationStore(sqlDB),
			escalation.NewPostgresTransitionLog(sqlDB),
			logger)
	}

	done := make(chan struct{}, 3)
	running := 2
	go func() {
		deliverer.Start(ctx)
		done <- struct{}{}
	}()
	go func() {
		sweeper.Run(ctx)
		done <- struct{}{}
	}()
	if archiveSweep != nil {
		running++
		go func() {
			archiveSweep.Run(ctx)
			done <- struct{}{}
		}()
	}

	logger.Info("escalation worker started")
	<-ctx.Done()
	for i := 0; i < running; i++ {
		<-done
	}
	logger.Info("escalation worker stopped")
	return nil
}

package conversationworker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/tmhealth/companion-platform/cmd/mainconfig"
	appbootstrap "github.com/tmhealth/companion-platform/internal/app/bootstrap"
	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/events"
	"github.com/tmhealth/companion-platform/internal/telegram"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Run starts the async conversation worker and blocks until ctx is canceled.
func Run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg == nil {
		return fmt.Errorf("conversation worker requires config")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.UseMemoryQueue {
		return fmt.Errorf("conversation worker cannot run when USE_MEMORY_QUEUE=true; run inline workers via the API process instead")
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("worker failed to connect to postgres: %w", err)
		}
		dbPool = pool
		defer dbPool.Close()
	}
	var sqlDB *sql.DB
	if dbPool != nil {
		sqlDB = stdlib.OpenDBFromPool(dbPool)
		defer sqlDB.Close()
	}

	awsConfig, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsConfig)
	queue := conversation.NewSQSQueue(sqsClient, cfg.ConversationQueueURL)

	var jobs conversation.JobUpdater
	switch {
	case strings.TrimSpace(cfg.ConversationJobsTable) != "":
		jobs = conversation.NewJobStore(dynamodb.NewFromConfig(awsConfig), cfg.ConversationJobsTable, logger)
	case dbPool != nil:
		jobs = conversation.NewPGJobStore(dbPool)
	default:
		logger.Warn("no job store configured; callers cannot poll async job status")
	}

	redisClient := appbootstrap.BuildRedisClient(ctx, cfg, logger, true)

	var outbox conversation.OutboxWriter
	if dbPool != nil {
		outbox = events.NewOutboxStore(dbPool)
	}

	processor, err := appbootstrap.BuildConversationService(ctx, cfg, appbootstrap.ServiceDeps{
		SQLDB:  sqlDB,
		Redis:  redisClient,
		AWS:    awsConfig,
		Outbox: outbox,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to configure conversation service: %w", err)
	}

	// Proactive check-in prompts and queued replies leave through Telegram;
	// webchat sessions get their replies over the live socket, so the
	// messenger skips those.
	var messenger conversation.ReplyMessenger
	if strings.TrimSpace(cfg.TelegramBotToken) != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("failed to connect telegram bot api: %w", err)
		}
		messenger = telegram.NewMessenger(botAPI, logger)
		logger.Info("telegram messenger initialized for async workers", "bot", botAPI.Self.UserName)
	} else {
		logger.Warn("telegram replies disabled for async workers; no bot token configured")
	}

	opts := []conversation.WorkerOption{
		conversation.WithWorkerCount(cfg.WorkerCount),
	}
	if prompter, ok := processor.(conversation.CheckInPrompter); ok {
		opts = append(opts, conversation.WithCheckInPrompter(prompter))
	}

	worker := conversation.NewWorker(processor, queue, jobs, messenger, logger, opts...)

	worker.Start(ctx)

	<-ctx.Done()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("conversation worker stopped")
	case <-doneCtx.Done():
		logger.Error("conversation worker shutdown timed out", "error", doneCtx.Err())
	}

	return nil
}

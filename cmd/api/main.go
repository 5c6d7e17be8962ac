package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tmhealth/companion-platform/cmd/mainconfig"
	"github.com/tmhealth/companion-platform/internal/api/router"
	appbootstrap "github.com/tmhealth/companion-platform/internal/app/bootstrap"
	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/events"
	"github.com/tmhealth/companion-platform/internal/http/handlers"
	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/internal/webchat"
	escalationworker "github.com/tmhealth/companion-platform/internal/worker/escalation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

func main() {
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting companion-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		dbPool = pool
		defer dbPool.Close()
	} else {
		logger.Warn("DATABASE_URL not set; transcripts, cases and audit trail are disabled")
	}
	var sqlDB *sql.DB
	if dbPool != nil {
		sqlDB = stdlib.OpenDBFromPool(dbPool)
		defer sqlDB.Close()
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	redisClient := appbootstrap.BuildRedisClient(ctx, cfg, logger, true)

	var outbox conversation.OutboxWriter
	var outboxStore *events.OutboxStore
	if dbPool != nil {
		outboxStore = events.NewOutboxStore(dbPool)
		outbox = outboxStore
	}

	service, err := appbootstrap.BuildConversationService(ctx, cfg, appbootstrap.ServiceDeps{
		SQLDB:  sqlDB,
		Redis:  redisClient,
		AWS:    awsCfg,
		Outbox: outbox,
	}, logger)
	if err != nil {
		logger.Error("failed to configure conversation service", "error", err)
		os.Exit(1)
	}

	// When several API replicas share the load, synchronous turns go through
	// a FIFO queue grouped by conversation id so two messages for the same
	// teen never interleave. A single replica orders in-process.
	if !cfg.UseMemoryQueue && strings.TrimSpace(cfg.SyncDispatchQueueURL) != "" {
		dispatchQueue := conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SyncDispatchQueueURL)
		dispatcher := conversation.NewDispatcher(service, dispatchQueue, logger,
			conversation.WithDispatchWorkers(cfg.WorkerCount))
		defer dispatcher.Shutdown()
		service = dispatcher
		logger.Info("synchronous turns ordered through dispatch queue")
	}

	// Job plumbing. USE_MEMORY_QUEUE runs everything inside this process
	// for development; production points at SQS and runs the workers as
	// separate deployments.
	var jobRecorder conversation.JobRecorder
	var jobUpdater conversation.JobUpdater
	switch {
	case strings.TrimSpace(cfg.ConversationJobsTable) != "" && !cfg.UseMemoryQueue:
		store := conversation.NewJobStore(dynamodb.NewFromConfig(awsCfg), cfg.ConversationJobsTable, logger)
		jobRecorder, jobUpdater = store, store
	case dbPool != nil:
		store := conversation.NewPGJobStore(dbPool)
		jobRecorder, jobUpdater = store, store
	}

	var queue conversation.Enqueuer
	var publisher *conversation.Publisher
	if cfg.UseMemoryQueue {
		memQueue := conversation.NewMemoryQueue(256)
		publisher = conversation.NewPublisher(memQueue, logger)
		queue = publisher

		opts := []conversation.WorkerOption{conversation.WithWorkerCount(cfg.WorkerCount)}
		if prompter, ok := service.(conversation.CheckInPrompter); ok {
			opts = append(opts, conversation.WithCheckInPrompter(prompter))
		}
		conversation.NewWorker(service, memQueue, jobUpdater, nil, logger, opts...).Start(ctx)
		logger.Info("running inline conversation workers", "count", cfg.WorkerCount)
	} else if strings.TrimSpace(cfg.ConversationQueueURL) != "" {
		sqsQueue := conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.ConversationQueueURL)
		publisher = conversation.NewPublisher(sqsQueue, logger)
		queue = publisher
	} else {
		logger.Warn("no conversation queue configured; async endpoints answer 503")
	}

	conversationHandler := conversation.NewHandler(service, queue, jobRecorder, logger)
	webchatHandler := webchat.NewHandler(service, webchat.DefaultWidgetJS, logger)

	feed := handlers.NewCrisisFeedHub(logger, nil)

	var (
		adminEscalations *handlers.AdminEscalationsHandler
		adminDashboard   *handlers.AdminDashboardHandler
		cases            *support.CaseService
	)
	if sqlDB != nil {
		notifier := appbootstrap.BuildNotifier(cfg, awsCfg, logger)
		svc, handoff, err := appbootstrap.BuildCaseService(cfg, sqlDB, notifier, logger)
		if err != nil {
			logger.Error("failed to configure escalation desk", "error", err)
			os.Exit(1)
		}
		cases = svc
		adminEscalations = handlers.NewAdminEscalationsHandler(cases, handoff, logger)
		adminDashboard = handlers.NewAdminDashboardHandler(sqlDB, cases, prometheus.DefaultGatherer, logger)
	}

	// Single-process mode also drains the outbox inline: cases open, the
	// console feed gets frames, cooldown check-ins get scheduled, and the
	// SLA sweeper runs. Split deployments run cmd/escalation-worker instead.
	if cfg.UseMemoryQueue && outboxStore != nil && cases != nil {
		fanout := escalationworker.Fanout{
			escalationworker.NewCaseOpener(cases, logger),
			feed,
		}
		if publisher != nil {
			fanout = append(fanout, conversation.NewOutboxDispatcher(publisher))
		}
		go events.NewDeliverer(outboxStore, fanout, logger).Start(ctx)
		go support.NewSweeper(cases, logger).Run(ctx)

		archiver, err := appbootstrap.BuildArchiver(cfg, awsCfg, logger)
		if err != nil {
			logger.Error("failed to configure archiver", "error", err)
			os.Exit(1)
		}
		if archiver != nil {
			go escalationworker.NewArchiveSweep(sqlDB, archiver,
				conversation.NewConversationStore(sqlDB),
				escalation.NewPostgresTransitionLog(sqlDB),
				logger).Run(ctx)
		}
		logger.Info("running inline outbox deliverer and sla sweeper")
	}

	routerCfg := &router.Config{
		Logger:              logger,
		ConversationHandler: conversationHandler,
		WebchatHandler:      webchatHandler,
		AdminEscalations:    adminEscalations,
		AdminDashboard:      adminDashboard,
		CrisisFeed:          feed,
		AdminAuthSecret:     cfg.AdminJWTSecret,
		MetricsHandler:      promhttp.Handler(),
		CORSAllowedOrigins:  cfg.CORSOrigins(),
		ChatRateLimit:       cfg.ChatRateLimit,
		ChatRateBurst:       cfg.ChatRateBurst,
		DB:                  sqlDB,
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

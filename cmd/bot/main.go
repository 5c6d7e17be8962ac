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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/tmhealth/companion-platform/cmd/mainconfig"
	appbootstrap "github.com/tmhealth/companion-platform/internal/app/bootstrap"
	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/events"
	"github.com/tmhealth/companion-platform/internal/mood"
	"github.com/tmhealth/companion-platform/internal/observability/metrics"
	"github.com/tmhealth/companion-platform/internal/telegram"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting telegram bot", "env", cfg.Env)

	if cfg.TelegramBotToken == "" {
		logger.Error("TELEGRAM_BOT_TOKEN is required")
		os.Exit(1)
	}

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
	if dbPool != nil {
		outbox = events.NewOutboxStore(dbPool)
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

	payloads, err := appbootstrap.BuildPayloadRegistry(cfg, logger)
	if err != nil {
		logger.Error("failed to load payload registry", "error", err)
		os.Exit(1)
	}

	tracker := appbootstrap.BuildMoodTracker(sqlDB, logger)
	sessions := mood.NewMemorySessionStore()

	opts := []telegram.Option{
		telegram.WithMetrics(metrics.NewIntakeMetrics(nil)),
		telegram.WithDefaultRegion(cfg.DefaultRegion),
	}
	if sqlDB != nil {
		opts = append(opts, telegram.WithAssessmentStore(mood.NewAssessmentStore(sqlDB)))
	}

	bot, err := telegram.New(cfg.TelegramBotToken, service, sessions, tracker, payloads, logger, opts...)
	if err != nil {
		logger.Error("failed to connect telegram bot api", "error", err)
		os.Exit(1)
	}

	if cfg.TelegramWebhookSecret != "" {
		runWebhook(ctx, cfg, bot, logger)
	} else {
		bot.Start(ctx)
	}
	logger.Info("bot stopped")
}

// runWebhook serves pushed updates on /webhooks/telegram instead of
// long-polling. The intake lambda fronts this listener in deployment.
func runWebhook(ctx context.Context, cfg *appconfig.Config, bot *telegram.Bot, logger *logging.Logger) {
	if cfg.PublicBaseURL != "" {
		url := strings.TrimRight(cfg.PublicBaseURL, "/") + "/webhooks/telegram"
		if err := bot.RegisterWebhook(url, cfg.TelegramWebhookSecret); err != nil {
			logger.Error("failed to register telegram webhook", "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/webhooks/telegram", bot.WebhookHandler(cfg.TelegramWebhookSecret))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("telegram webhook listener started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("webhook listener failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	appconfig "github.com/tmhealth/companion-platform/internal/config"
	conversationworker "github.com/tmhealth/companion-platform/internal/worker/conversation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting conversation worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := conversationworker.Run(ctx, cfg, logger); err != nil {
		logger.Error("conversation worker failed", "error", err)
		os.Exit(1)
	}
}

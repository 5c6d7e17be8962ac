package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	appconfig "github.com/tmhealth/companion-platform/internal/config"
	escalationworker "github.com/tmhealth/companion-platform/internal/worker/escalation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting escalation worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := escalationworker.Run(ctx, cfg, logger); err != nil {
		logger.Error("escalation worker failed", "error", err)
		os.Exit(1)
	}
}

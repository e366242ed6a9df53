package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wolfman30/slotkeeper/internal/app/bootstrap"
	appconfig "github.com/wolfman30/slotkeeper/internal/config"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryStorage() {
		logger.Error("sweeper requires DATABASE_URL; in-memory state is private to the API process")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := bootstrap.BuildCore(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	if cfg.SweepSchedule != "" {
		if err := core.Sweeper.Schedule(ctx, cfg.SweepSchedule); err != nil {
			logger.Error("sweeper schedule failed", "error", err)
			os.Exit(1)
		}
		return
	}
	core.Sweeper.Run(ctx, cfg.SweepInterval)
}

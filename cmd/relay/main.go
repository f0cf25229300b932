package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/server"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)
	slog.SetDefault(bootLogger)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background())
	defer stop()

	app := server.NewApp(logger, ctx, cfg)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

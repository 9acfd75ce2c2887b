package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"usagetrail/internal/app"
	"usagetrail/internal/platform/config"
	"usagetrail/internal/platform/logger"
)

// main wires configuration, logging and the service lifecycle. Everything
// else lives in internal/app.
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file; missing files are skipped")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.IsDev())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("start usagetrail", "error", err)
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		log.Error("usagetrail stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("usagetrail stopped")
}

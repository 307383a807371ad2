// Package main provides the auction finalizer daemon: periodic scanner,
// worker pool, lease reaper and operational HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/auction-finalizer/internal/app"
	"github.com/auction-finalizer/internal/config"
	"github.com/auction-finalizer/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Finalizer stopped with error")
		os.Exit(1)
	}
	logger.Info("Finalizer stopped. Goodbye!")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("Error closing connections")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"backend":     cfg.Queue.Backend,
		"concurrency": cfg.Worker.Concurrency,
		"scanner":     cfg.Scanner.Enabled,
		"api":         cfg.Server.Enabled,
		"contract":    cfg.Chain.ContractAddress,
	}).Info("Auction finalizer starting")

	return a.Run(ctx)
}

// Package main is the BFF gateway entry point.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sokoni/bff/internal/config"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level := "info"
	if !cfg.IsProduction() {
		level = "debug"
	}
	logger := logging.New(cfg.OTELServiceName, level)

	srv, err := server.New(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("gateway stopped with error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

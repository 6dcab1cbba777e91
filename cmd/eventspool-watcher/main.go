package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/zoff-tech/go-eventspool/pkg/breaker"
	"github.com/zoff-tech/go-eventspool/pkg/config"
	"github.com/zoff-tech/go-eventspool/pkg/logging"
	"github.com/zoff-tech/go-eventspool/pkg/processor"
	"github.com/zoff-tech/go-eventspool/pkg/sender"
	"github.com/zoff-tech/go-eventspool/pkg/spool"
	"github.com/zoff-tech/go-eventspool/pkg/telemetry"
)

func main() {
	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/eventspool-watcher")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	err = cfg.Validate()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logging.Init(cfg.Watcher.LogLevel, cfg.Watcher.LogPretty)

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	// Open the spool partition for this run/player pair
	queue, err := spool.Open(cfg.Watcher.SpoolRoot, cfg.Watcher.RunID, cfg.Watcher.PlayerID)
	if err != nil {
		log.Fatal("Failed to open spool: ", err)
	}

	brk := breaker.New(breaker.Config{
		Name:                     "ingestion-api",
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		SuccessThreshold:         cfg.Breaker.SuccessThreshold,
		OpenTimeout:              cfg.Breaker.OpenTimeout,
		FailureCountResetTimeout: cfg.Breaker.FailureResetTimeout,
	})
	snd := sender.New(&http.Client{Timeout: cfg.Watcher.HTTPTimeout}, brk, func() string {
		return cfg.Watcher.Token
	})

	// Stop on SIGINT/SIGTERM; in-flight sends finish before the lock drops
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc := processor.New(cfg, queue, snd)
	if err := proc.Run(ctx); err != nil {
		log.Fatal("Watcher failed: ", err)
	}
}

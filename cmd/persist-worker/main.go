package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/nats-chatroom/internal/bus"
	"github.com/example/nats-chatroom/internal/config"
	"github.com/example/nats-chatroom/internal/history"
	"github.com/example/nats-chatroom/internal/otelx"
	"github.com/example/nats-chatroom/internal/persist"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadPersistWorker()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	otelShutdown, err := otelx.Init(ctx, "persist-worker")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	slog.Info("Starting Persist Worker", "nats_url", cfg.NATSURL, "history_dir", cfg.HistoryDir)

	natsBus, err := bus.ConnectNATS(cfg.NATSURL, "persist-worker")
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	log, err := history.OpenLog(cfg.HistoryDir)
	if err != nil {
		slog.Error("Failed to open durable log", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	consumer := persist.New(natsBus, log, persist.Options{
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		RetryMaxElapsed:      cfg.RetryMaxElapsed,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(sigCtx); err != nil {
		slog.Error("Persist consumer failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down persist worker")
}

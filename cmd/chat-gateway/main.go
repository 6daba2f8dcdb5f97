package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/nats-chatroom/internal/bridge"
	"github.com/example/nats-chatroom/internal/bus"
	"github.com/example/nats-chatroom/internal/config"
	"github.com/example/nats-chatroom/internal/gateway"
	"github.com/example/nats-chatroom/internal/history"
	"github.com/example/nats-chatroom/internal/otelx"
	"github.com/example/nats-chatroom/internal/rooms"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	otelShutdown, err := otelx.Init(ctx, "chat-gateway")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	slog.Info("Starting Chat Gateway", "nats_url", cfg.NATSURL, "http_addr", cfg.HTTPAddr)

	natsBus, err := bus.ConnectNATS(cfg.NATSURL, "chat-gateway")
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	registry, err := rooms.OpenSQLite(ctx, cfg.RegistryDB)
	if err != nil {
		slog.Error("Failed to open room registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()
	if err := registry.EnsureDefault(ctx); err != nil {
		slog.Error("Failed to seed default room", "error", err)
		os.Exit(1)
	}

	store, err := history.NewStore(cfg.ReplaySize, cfg.HistoryDir)
	if err != nil {
		slog.Error("Failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	manager := bridge.NewManager(natsBus, registry, store, bridge.ManagerConfig{
		Options: bridge.Options{
			SessionBuffer: cfg.SessionBuffer,
			SendTimeout:   cfg.SendTimeout,
			EchoToSender:  cfg.EchoToSender,
		},
		IdleTeardown: cfg.IdleTeardown,
	})
	defer manager.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gateway.NewServer(manager, registry, store, cfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Gateway listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down chat gateway")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	manager.Close()
}

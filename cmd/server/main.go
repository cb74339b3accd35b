// Command server starts the AI chat bridge: the OpenAI-compatible HTTP
// surface on one side, the worker WebSocket endpoint on the other.
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

	httpserver "github.com/fairyhunter13/ai-chat-bridge/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bridge/internal/adapter/ws"
	"github.com/fairyhunter13/ai-chat-bridge/internal/app"
	"github.com/fairyhunter13/ai-chat-bridge/internal/config"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/pool"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
	"github.com/fairyhunter13/ai-chat-bridge/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, pool, and dispatch instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core state: the worker pool and the reply rendezvous table. A worker
	// evicted for missed heartbeats takes its in-flight dispatches with it.
	registry := pool.NewRegistry(cfg.MaxWorkers, cfg.LivenessWindow)
	table := rendezvous.NewTable()
	registry.SetOnEvict(func(workerID string) {
		table.CancelForWorker(workerID)
	})
	go registry.Run(ctx, cfg.EvictionTick())

	dispatch := usecase.NewDispatchService(registry, table, cfg.AcquireWait, cfg.ResponseWait)
	srv := httpserver.NewServer(cfg, dispatch, registry, table)
	wsHandler := ws.NewHandler(registry, table, cfg.HeartbeatInterval)
	handler := app.BuildRouter(cfg, srv, wsHandler)

	srvHTTP := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", cfg.ListenAddr))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown incomplete", slog.Any("error", err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/grounded-rag/internal/adapters/mcp"
	"github.com/kirillkom/grounded-rag/internal/bootstrap"
	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/observability/logging"
)

const serviceName = "mcp"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	// stdout carries the JSON-RPC stream.
	logger := logging.NewJSONLoggerTo(os.Stderr, serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := mcpadapter.NewServer(app.Retrieval, app.Conversation, app.Registry, cfg.RetrievalTopK, logger)
	logger.Info("mcp_server_started", "transport", "stdio")
	if err := srv.ServeStdio(); err != nil {
		logger.Error("mcp_server_failed", "error", err)
		os.Exit(1)
	}
}

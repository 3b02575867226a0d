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

	httpadapter "github.com/kirillkom/grounded-rag/internal/adapters/http"
	"github.com/kirillkom/grounded-rag/internal/bootstrap"
	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/observability/logging"
	"github.com/kirillkom/grounded-rag/internal/observability/metrics"
)

const serviceName = "api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// The inline transport has no other consumer, so the API runs batches itself.
	if cfg.TriggerTransport == config.TriggerInline {
		go func() {
			if err := app.RunTriggerLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trigger_loop_stopped", "error", err)
			}
		}()
	}

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	httpMetrics.Include(app.PipelineMetrics.Gatherer())

	router := httpadapter.NewRouter(
		cfg,
		app.Ingest,
		app.Registry,
		app.Retrieval,
		app.Conversation,
		app.Triggers,
		httpadapter.WithMetrics(httpMetrics),
	)
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ModelTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}

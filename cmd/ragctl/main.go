package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/grounded-rag/internal/adapters/cli"
	"github.com/kirillkom/grounded-rag/internal/bootstrap"
	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/observability/logging"
)

const serviceName = "ragctl"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(provideServices)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func provideServices(ctx context.Context) (*cli.Services, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	// Command output owns stdout.
	logger := logging.NewJSONLoggerTo(os.Stderr, serviceName, cfg.LogLevel)

	app, err := bootstrap.New(ctx, cfg, serviceName, logger)
	if err != nil {
		return nil, nil, err
	}

	return &cli.Services{
		Ingest:       app.Ingest,
		Documents:    app.Registry,
		Pipeline:     app.Pipeline,
		Retriever:    app.Retrieval,
		Conversation: app.Conversation,
		Supports:     app.Extractor.Supports,
		TopK:         cfg.RetrievalTopK,
		FinalK:       cfg.RetrievalFinalK,
		BatchTimeout: cfg.BatchTimeout,
	}, app.Close, nil
}

package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
	"github.com/kirillkom/grounded-rag/internal/core/usecase"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/chunking"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/extractor"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/prompts"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/queue/inline"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/repository/sqlstore"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/rerank"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/vector/memory"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/grounded-rag/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Registry     *usecase.Registry
	Ingest       *usecase.IngestDocumentUseCase
	Retrieval    *usecase.RetrievalService
	Conversation *usecase.ConversationOrchestrator
	Pipeline     *usecase.PipelineService
	Triggers     ports.BatchTrigger
	Extractor    *extractor.Extractor

	PipelineMetrics *metrics.PipelineMetrics

	closeFn func()
}

// New wires the application for service. Every process builds the same
// graph; cmd/* pick the parts they serve.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, dialect, err := openRegistryDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	promptSet, err := prompts.Load(cfg.PromptsFile)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(service)
	executor := resilience.NewExecutor(resilienceConfig(cfg), resilience.WithObserver(pipelineMetrics))

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.WithExecutor(executor))
	embedder := ollama.NewEmbedder(ollamaClient, cfg.EmbeddingDimension)
	generator := ollama.NewGenerator(ollamaClient)

	var classifier ports.BoundaryClassifier
	if cfg.ChunkingClassifier == config.ClassifierSemantic {
		classifier = ollama.NewBoundaryClassifier(ollamaClient, cfg.BoundaryModel())
	}
	engine := chunking.NewEngine(classifier,
		chunking.WithMinChars(cfg.ChunkMinChars),
		chunking.WithMaxChars(cfg.ChunkMaxChars),
		chunking.WithMergeThreshold(cfg.ChunkMergeThreshold),
		chunking.WithLogger(logger),
	)

	vectors, err := newVectorStore(cfg, executor)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reranker, err := newCrossEncoder(cfg, executor)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	triggers, closeTriggers, err := newTriggerTransport(cfg, executor, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := usecase.OpenRegistry(sqlstore.NewRegistryRepository(db, dialect), logger)
	history := sqlstore.NewHistoryRepository(db, dialect)

	retrievalOpts := []usecase.RetrievalOption{usecase.WithRetrievalLogger(logger)}
	if cfg.RerankMinScoreEnabled {
		retrievalOpts = append(retrievalOpts, usecase.WithMinRerankScore(cfg.RerankMinScore))
	}
	retrieval := usecase.NewRetrievalService(embedder, vectors, reranker, retrievalOpts...)

	conversation := usecase.NewConversationOrchestrator(retrieval, generator, history, promptSet, usecase.AnswerConfig{
		KCandidates:       cfg.RetrievalTopK,
		NFinal:            cfg.RetrievalFinalK,
		HistoryTurns:      cfg.HistoryTurns,
		HistoryCharBudget: cfg.HistoryCharBudget,
		ContextCharBudget: cfg.ContextCharBudget,
		NoContextPolicy:   cfg.NoContextPolicy,
	}, logger, usecase.WithParentContext(registry))

	textExtractor := extractor.New(storage)
	pipeline := usecase.NewPipelineService(
		usecase.NewChunkingService(registry, textExtractor, engine, pipelineMetrics, cfg.BatchConcurrency, logger),
		usecase.NewIndexingService(registry, embedder, vectors, pipelineMetrics, cfg.EmbedBatchSize, cfg.BatchConcurrency, logger),
		pipelineMetrics,
	)

	logger.Info("bootstrap_ready",
		"database_driver", cfg.DatabaseDriver,
		"vector_backend", cfg.VectorBackend,
		"trigger_transport", cfg.TriggerTransport,
		"chunking_classifier", cfg.ChunkingClassifier,
		"rerank_provider", cfg.RerankProvider,
	)

	return &App{
		Config: cfg,
		Logger: logger,

		Registry:     registry,
		Ingest:       usecase.NewIngestDocumentUseCase(registry, storage),
		Retrieval:    retrieval,
		Conversation: conversation,
		Pipeline:     pipeline,
		Triggers:     triggers,
		Extractor:    textExtractor,

		PipelineMetrics: pipelineMetrics,

		closeFn: func() {
			_ = registry.Close()
			closeTriggers()
			_ = db.Close()
		},
	}, nil
}

// RunTriggerLoop serves pipeline triggers until ctx is done. Each batch runs
// under the configured batch timeout.
func (a *App) RunTriggerLoop(ctx context.Context) error {
	return a.Triggers.SubscribeTriggers(ctx, func(handlerCtx context.Context, op domain.PipelineOperation) error {
		batchCtx, cancel := context.WithTimeout(handlerCtx, a.Config.BatchTimeout)
		defer cancel()

		report, err := a.Pipeline.Run(batchCtx, op)
		if err != nil {
			return err
		}
		return report.Err()
	})
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func openRegistryDB(ctx context.Context, cfg config.Config) (*sql.DB, sqlstore.Dialect, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, 0, fmt.Errorf("open sqlite: %w", err)
		}
		if err := sqlite.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, 0, fmt.Errorf("ensure schema: %w", err)
		}
		return db, sqlstore.SQLite, nil
	default:
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, 0, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, 0, fmt.Errorf("ensure schema: %w", err)
		}
		return db, sqlstore.Postgres, nil
	}
}

func newVectorStore(cfg config.Config, executor *resilience.Executor) (ports.VectorStore, error) {
	switch cfg.VectorBackend {
	case config.VectorMemory:
		return memory.New(cfg.EmbeddingDimension), nil
	case config.VectorQdrant:
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, cfg.EmbeddingDimension, qdrant.WithExecutor(executor)), nil
	default:
		return nil, fmt.Errorf("%w: vector backend %q", config.ErrInvalidConfig, cfg.VectorBackend)
	}
}

func newCrossEncoder(cfg config.Config, executor *resilience.Executor) (ports.CrossEncoder, error) {
	if cfg.RerankProvider == "lexical" {
		return rerank.NewLexical(), nil
	}
	client, err := rerank.NewClient(cfg.RerankProvider, cfg.RerankURL, cfg.RerankModel, cfg.RerankAPIKey,
		rerank.WithExecutor(executor),
		rerank.WithHTTPClient(&http.Client{Timeout: cfg.ModelTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("init reranker: %w", err)
	}
	return client, nil
}

func newTriggerTransport(cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (ports.BatchTrigger, func(), error) {
	if cfg.TriggerTransport == config.TriggerInline {
		return inline.New(16, logger), func() {}, nil
	}
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init trigger queue: %w", err)
	}
	return queue, queue.Close, nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = cfg.RetryInitialBackoff
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	out.AttemptTimeout = cfg.ModelTimeout
	out.BreakerEnabled = cfg.BreakerEnabled
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 60 * time.Second
	}
	for system, timeout := range map[string]time.Duration{
		resilience.SystemQdrant: cfg.QdrantTimeout,
		resilience.SystemRerank: cfg.RerankTimeout,
		resilience.SystemNATS:   cfg.NATSTimeout,
	} {
		if timeout > 0 {
			out.SystemTimeouts[system] = timeout
		}
	}
	return out
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

// Services are the use cases the operator commands drive.
type Services struct {
	Ingest       ports.DocumentIngestor
	Documents    ports.DocumentReader
	Pipeline     ports.PipelineRunner
	Retriever    ports.Retriever
	Conversation ports.ConversationService

	// Supports filters directory scans. Nil accepts every file.
	Supports func(filename string) bool

	TopK         int
	FinalK       int
	BatchTimeout time.Duration
}

func (s *Services) Validate() error {
	switch {
	case s == nil:
		return errors.New("services not configured")
	case s.Ingest == nil, s.Documents == nil, s.Pipeline == nil:
		return errors.New("document services not configured")
	case s.Retriever == nil, s.Conversation == nil:
		return errors.New("query services not configured")
	}
	return nil
}

// Provider builds services on first use and returns a release func.
type Provider func(ctx context.Context) (*Services, func(), error)

type app struct {
	provide  Provider
	services *Services
	release  func()
	jsonOut  bool
}

// NewRootCommand assembles ragctl. Services are built lazily so help and
// flag errors never touch the database.
func NewRootCommand(provide Provider) *cobra.Command {
	a := &app{provide: provide}

	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Operate the document pipeline",
		Long:          "ragctl registers documents, runs chunking and indexing batches and queries the index.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output results as JSON")

	root.AddCommand(
		a.ingestCommand(),
		a.batchCommand("chunk", "Chunk documents that are new", func(ctx context.Context, s *Services) (*domain.BatchReport, error) {
			return s.Pipeline.TriggerChunking(ctx)
		}),
		a.batchCommand("index", "Embed chunks of chunked documents", func(ctx context.Context, s *Services) (*domain.BatchReport, error) {
			return s.Pipeline.TriggerIndexing(ctx)
		}),
		a.batchCommand("reindex", "Re-embed every chunk and repair the vector store", func(ctx context.Context, s *Services) (*domain.BatchReport, error) {
			return s.Pipeline.ReindexAll(ctx)
		}),
		a.statusCommand(),
		a.pendingCommand(),
		a.searchCommand(),
		a.askCommand(),
	)
	return root
}

// withServices wraps a RunE so it receives initialised services.
func (a *app) withServices(run func(cmd *cobra.Command, args []string, s *Services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if a.services == nil {
			if a.provide == nil {
				return errors.New("services not configured")
			}
			services, release, err := a.provide(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialise services: %w", err)
			}
			if err := services.Validate(); err != nil {
				if release != nil {
					release()
				}
				return err
			}
			a.services, a.release = services, release
		}
		defer a.close()
		return run(cmd, args, a.services)
	}
}

func (a *app) close() {
	if a.release != nil {
		a.release()
	}
	a.services, a.release = nil, nil
}

func (a *app) printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

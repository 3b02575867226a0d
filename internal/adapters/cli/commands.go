package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

type ingestResult struct {
	Path       string `json:"path"`
	DocumentID string `json:"document_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

func (a *app) ingestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file|dir>...",
		Short: "Register documents",
		Long: `Stores each file and registers it as a new document.
Directories are scanned recursively; files in unsupported formats are skipped.
Content that is already registered resolves to the existing document.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.withServices(func(cmd *cobra.Command, args []string, s *Services) error {
			files, err := collectFiles(args, s.Supports)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.New("no supported files found")
			}

			results := make([]ingestResult, 0, len(files))
			failed := 0
			for _, path := range files {
				result := ingestFile(cmd.Context(), s, path)
				if result.Status == "failed" {
					failed++
				}
				results = append(results, result)
			}

			if a.jsonOut {
				if err := a.printJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, r := range results {
					if r.Error != "" {
						fmt.Fprintf(out, "%-9s %s: %s\n", r.Status, r.Path, r.Error)
						continue
					}
					fmt.Fprintf(out, "%-9s %s %s\n", r.Status, r.DocumentID, r.Path)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(files))
			}
			return nil
		}),
	}
}

func ingestFile(ctx context.Context, s *Services, path string) ingestResult {
	result := ingestResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		result.Status, result.Error = "failed", err.Error()
		return result
	}
	defer f.Close()

	doc, err := s.Ingest.Upload(ctx, filepath.Base(path), mime.TypeByExtension(filepath.Ext(path)), f)
	switch {
	case err == nil:
		result.Status = "new"
	case doc != nil && domain.IsKind(err, domain.ErrDuplicateDocument):
		result.Status = "duplicate"
	default:
		result.Status, result.Error = "failed", err.Error()
		return result
	}
	result.DocumentID = doc.ID
	return result
}

// collectFiles expands directories. Explicit file arguments are never filtered.
func collectFiles(args []string, supports func(string) bool) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != arg && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || (supports != nil && !supports(d.Name())) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", arg, err)
		}
	}
	return files, nil
}

func (a *app) batchCommand(
	use, short string,
	run func(ctx context.Context, s *Services) (*domain.BatchReport, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: a.withServices(func(cmd *cobra.Command, _ []string, s *Services) error {
			ctx := cmd.Context()
			if s.BatchTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.BatchTimeout)
				defer cancel()
			}

			report, err := run(ctx, s)
			if report != nil {
				if a.jsonOut {
					if perr := a.printJSON(cmd, report); perr != nil {
						return perr
					}
				} else {
					printReport(cmd, report)
				}
			}
			if err != nil {
				return err
			}
			return report.Err()
		}),
	}
}

func printReport(cmd *cobra.Command, report *domain.BatchReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d succeeded, %d failed, %d skipped in %s\n",
		report.Operation, report.Succeeded, report.Failed, report.Skipped,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, item := range report.Items {
		if item.Status == domain.ItemSucceeded {
			continue
		}
		fmt.Fprintf(out, "  %-9s %s: %s\n", item.Status, item.ID, item.Error)
		for _, chunk := range item.Chunks {
			if chunk.Status == domain.ItemFailed {
				fmt.Fprintf(out, "    chunk %s: %s\n", chunk.ID, chunk.Error)
			}
		}
	}
	if report.Halted {
		fmt.Fprintf(out, "halted: %s\n", report.HaltReason)
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show the registry entry of a document",
		Args:  cobra.ExactArgs(1),
		RunE: a.withServices(func(cmd *cobra.Command, args []string, s *Services) error {
			entry, err := s.Documents.Entry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, entry)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "document: %s\n", entry.DocumentID)
			fmt.Fprintf(out, "status:   %s\n", entry.Status)
			fmt.Fprintf(out, "chunked:  %t\n", entry.Chunked)
			fmt.Fprintf(out, "indexed:  %t\n", entry.Indexed)
			fmt.Fprintf(out, "updated:  %s\n", entry.UpdatedAt.Format("2006-01-02 15:04:05Z07:00"))
			return nil
		}),
	}
}

type pendingOutput struct {
	Chunking []string `json:"chunking"`
	Indexing int      `json:"indexing_chunks"`
}

func (a *app) pendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List work waiting for the next chunking and indexing batches",
		Args:  cobra.NoArgs,
		RunE: a.withServices(func(cmd *cobra.Command, _ []string, s *Services) error {
			ids, err := s.Documents.PendingForChunking(cmd.Context())
			if err != nil {
				return err
			}
			chunks, err := s.Documents.PendingForIndexing(cmd.Context())
			if err != nil {
				return err
			}

			pending := pendingOutput{Chunking: ids, Indexing: len(chunks)}
			if pending.Chunking == nil {
				pending.Chunking = []string{}
			}
			if a.jsonOut {
				return a.printJSON(cmd, pending)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "awaiting chunking: %d document(s)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintf(out, "  %s\n", id)
			}
			fmt.Fprintf(out, "awaiting indexing: %d chunk(s)\n", len(chunks))
			return nil
		}),
	}
}

func (a *app) searchCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the most relevant chunks",
		Args:  cobra.ExactArgs(1),
		RunE: a.withServices(func(cmd *cobra.Command, args []string, s *Services) error {
			n := limit
			if n <= 0 {
				n = s.FinalK
			}
			retrieval, err := s.Retriever.Retrieve(cmd.Context(), args[0], max(s.TopK, n), n)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, retrieval)
			}

			out := cmd.OutOrStdout()
			if len(retrieval.Chunks) == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}
			if retrieval.RerankDegraded {
				fmt.Fprintln(out, "(reranker unavailable, showing vector order)")
			}
			for i, c := range retrieval.Chunks {
				fmt.Fprintf(out, "[%d] %s (%.2f)\n", i+1, sourceLabel(c.Filename, c.Page, c.Section), c.RerankScore)
				fmt.Fprintf(out, "    %s\n", snippet(c.Text, 200))
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of chunks to return (default RETRIEVAL_FINAL_K)")
	return cmd
}

func (a *app) askCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE: a.withServices(func(cmd *cobra.Command, args []string, s *Services) error {
			answer, err := s.Conversation.Answer(cmd.Context(), userID, args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd, answer)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, answer.Text)
			if len(answer.Citations) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Sources:")
				for i, c := range answer.Citations {
					fmt.Fprintf(out, "  [%d] %s\n", i+1, sourceLabel(c.Filename, c.Page, c.Section))
				}
			}
			if answer.Failed {
				return errors.New("answer generation failed")
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "ragctl", "conversation owner")
	return cmd
}

func sourceLabel(filename string, page int, section string) string {
	label := filename
	if page > 0 {
		label += fmt.Sprintf(" p.%d", page)
	}
	if section != "" {
		label += " - " + section
	}
	return label
}

func snippet(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

package chunking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const (
	DefaultMinChars       = 200
	DefaultMaxChars       = 1500
	DefaultMergeThreshold = 0.5
)

// Engine splits extracted pages into chunks. Adjacent paragraphs are merged
// when the boundary classifier scores them at or above the merge threshold,
// subject to the size bounds.
type Engine struct {
	classifier     ports.BoundaryClassifier
	fallback       ports.BoundaryClassifier
	minChars       int
	maxChars       int
	mergeThreshold float64
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Engine)

func WithMinChars(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minChars = n
		}
	}
}

func WithMaxChars(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxChars = n
		}
	}
}

// WithMergeThreshold sets the probability at or above which two units merge.
func WithMergeThreshold(t float64) Option {
	return func(e *Engine) {
		if t >= 0 && t <= 1 {
			e.mergeThreshold = t
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine around classifier. A nil classifier means
// structural splitting only.
func NewEngine(classifier ports.BoundaryClassifier, opts ...Option) *Engine {
	structural := NewStructuralClassifier()
	if classifier == nil {
		classifier = structural
	}
	e := &Engine{
		classifier:     classifier,
		fallback:       structural,
		minChars:       DefaultMinChars,
		maxChars:       DefaultMaxChars,
		mergeThreshold: DefaultMergeThreshold,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.minChars > e.maxChars {
		e.minChars = e.maxChars
	}
	return e
}

type chunkRun struct {
	classifier ports.BoundaryClassifier
	degraded   bool
}

type pendingChunk struct {
	text      string
	lastUnit  string
	section   string
	page      int
	paragraph int
}

func (e *Engine) Chunk(ctx context.Context, doc *domain.Document, pages []domain.Page) ([]domain.Chunk, domain.ChunkingStats, error) {
	if doc == nil {
		return nil, domain.ChunkingStats{}, fmt.Errorf("chunk: %w: document is nil", domain.ErrInvalidInput)
	}

	units := e.boundedUnits(pages)
	run := &chunkRun{classifier: e.classifier}
	stats := domain.ChunkingStats{Paragraphs: len(units), Classifier: e.classifier.Name()}
	if len(units) == 0 {
		return []domain.Chunk{}, stats, nil
	}

	var merged []pendingChunk
	cur := newPendingChunk(units[0])
	for _, next := range units[1:] {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		merge, err := e.shouldMerge(ctx, run, cur, next)
		if err != nil {
			return nil, stats, err
		}
		if merge {
			cur.text += "\n\n" + next.text
			cur.lastUnit = next.text
			continue
		}
		merged = append(merged, cur)
		cur = newPendingChunk(next)
	}
	merged = e.appendTail(merged, cur)

	createdAt := e.now().UTC()
	chunks := make([]domain.Chunk, 0, len(merged))
	for i, p := range merged {
		chunk := domain.NewChunk(doc.ID, i, p.text, p.section, p.page)
		chunk.ParentID = domain.NewParentID(doc.ID, p.paragraph)
		chunk.CreatedAt = createdAt
		chunks = append(chunks, chunk)
	}

	stats.Chunks = len(chunks)
	stats.Degraded = run.degraded
	if run.degraded {
		stats.Classifier = e.fallback.Name()
	}
	return chunks, stats, nil
}

func (e *Engine) boundedUnits(pages []domain.Page) []unit {
	raw := splitUnits(pages)
	out := make([]unit, 0, len(raw))
	for i, u := range raw {
		for _, piece := range splitOversized(u.text, e.maxChars) {
			out = append(out, unit{text: piece, section: u.section, page: u.page, paragraph: i})
		}
	}
	return out
}

// newPendingChunk starts a chunk at u; the chunk keeps the paragraph it
// starts in as its parent.
func newPendingChunk(u unit) pendingChunk {
	return pendingChunk{text: u.text, lastUnit: u.text, section: u.section, page: u.page, paragraph: u.paragraph}
}

func (e *Engine) shouldMerge(ctx context.Context, run *chunkRun, cur pendingChunk, next unit) (bool, error) {
	if runeLen(cur.text)+2+runeLen(next.text) > e.maxChars {
		return false, nil
	}
	if next.section != cur.section {
		return false, nil
	}
	if runeLen(cur.text) < e.minChars {
		return true, nil
	}

	probability, err := e.score(ctx, run, cur.lastUnit, next.text)
	if err != nil {
		return false, err
	}
	return probability >= e.mergeThreshold, nil
}

// score asks the configured classifier and, after its first failure,
// switches the rest of the document to the structural fallback.
func (e *Engine) score(ctx context.Context, run *chunkRun, left, right string) (float64, error) {
	if !run.degraded {
		decision, err := run.classifier.SameUnit(ctx, left, right)
		if err == nil {
			return clampProbability(decision.Probability), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		run.degraded = true
		e.logger.WarnContext(ctx, "chunking_degraded",
			"classifier", run.classifier.Name(),
			"fallback", e.fallback.Name(),
			"error", err,
		)
	}

	decision, err := e.fallback.SameUnit(ctx, left, right)
	if err != nil {
		return 0, err
	}
	return clampProbability(decision.Probability), nil
}

// appendTail folds a trailing fragment shorter than minChars into the
// previous chunk when both fit.
func (e *Engine) appendTail(merged []pendingChunk, tail pendingChunk) []pendingChunk {
	if len(merged) == 0 || runeLen(tail.text) >= e.minChars {
		return append(merged, tail)
	}
	prev := &merged[len(merged)-1]
	if prev.section != tail.section || runeLen(prev.text)+2+runeLen(tail.text) > e.maxChars {
		return append(merged, tail)
	}
	prev.text = strings.TrimSpace(prev.text + "\n\n" + tail.text)
	prev.lastUnit = tail.lastUnit
	return merged
}

func clampProbability(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

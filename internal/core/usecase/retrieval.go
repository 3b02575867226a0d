package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

type RetrievalService struct {
	embedder ports.Embedder
	vectors  ports.VectorStore
	reranker ports.CrossEncoder
	minScore *float64
	logger   *slog.Logger
}

type RetrievalOption func(*RetrievalService)

// WithMinRerankScore drops chunks whose cross-encoder score is below score.
// The cutoff is not applied when reranking degraded to vector order.
func WithMinRerankScore(score float64) RetrievalOption {
	return func(s *RetrievalService) {
		s.minScore = &score
	}
}

func WithRetrievalLogger(logger *slog.Logger) RetrievalOption {
	return func(s *RetrievalService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewRetrievalService(
	embedder ports.Embedder,
	vectors ports.VectorStore,
	reranker ports.CrossEncoder,
	opts ...RetrievalOption,
) *RetrievalService {
	s := &RetrievalService{
		embedder: embedder,
		vectors:  vectors,
		reranker: reranker,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retrieve returns up to nFinal chunks. Stage one takes the kCandidates
// nearest vectors; stage two rescores only those with the cross-encoder and
// orders them by score, breaking ties by vector rank.
func (s *RetrievalService) Retrieve(ctx context.Context, query string, kCandidates, nFinal int) (*domain.Retrieval, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query is required"))
	}
	if kCandidates <= 0 || nFinal <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve",
			fmt.Errorf("k_candidates and n_final must be positive, got %d and %d", kCandidates, nFinal))
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.vectors.Search(ctx, vector, kCandidates)
	if err != nil {
		if errors.Is(err, domain.ErrCollectionNotFound) {
			return &domain.Retrieval{Chunks: []domain.RankedChunk{}}, nil
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return &domain.Retrieval{Chunks: []domain.RankedChunk{}}, nil
	}

	candidates := make([]domain.RankedChunk, len(hits))
	texts := make([]string, len(hits))
	for i, hit := range hits {
		rank := hit.Rank
		if rank <= 0 {
			rank = i + 1
		}
		candidates[i] = domain.RankedChunk{
			ChunkID:     hit.Record.ChunkID,
			DocumentID:  hit.Record.DocumentID,
			Filename:    hit.Record.Filename,
			Section:     hit.Record.Section,
			Page:        hit.Record.Page,
			Text:        hit.Record.Text,
			VectorScore: hit.Score,
			VectorRank:  rank,
		}
		texts[i] = hit.Record.Text
	}

	out := &domain.Retrieval{Candidates: len(candidates)}

	scores, err := s.reranker.ScorePairs(ctx, query, texts)
	if err == nil && len(scores) != len(candidates) {
		err = fmt.Errorf("cross-encoder returned %d scores for %d candidates", len(scores), len(candidates))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.WarnContext(ctx, "rerank_degraded", "candidates", len(candidates), "error", err)
		out.RerankDegraded = true
		for i := range candidates {
			candidates[i].RerankScore = candidates[i].VectorScore
		}
	} else {
		for i := range candidates {
			candidates[i].RerankScore = scores[i]
		}
	}

	sortRanked(candidates)

	if s.minScore != nil && !out.RerankDegraded {
		kept := candidates[:0]
		for _, c := range candidates {
			if c.RerankScore >= *s.minScore {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	if len(candidates) > nFinal {
		candidates = candidates[:nFinal]
	}
	out.Chunks = candidates
	return out, nil
}

// sortRanked orders by rerank score descending, then vector rank ascending.
func sortRanked(chunks []domain.RankedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].RerankScore != chunks[j].RerankScore {
			return chunks[i].RerankScore > chunks[j].RerankScore
		}
		return chunks[i].VectorRank < chunks[j].VectorRank
	})
}

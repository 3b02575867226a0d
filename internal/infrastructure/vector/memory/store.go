package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// Store is an in-process vector store using cosine similarity. Records are
// replaced whole, so readers never see a vector paired with another payload.
type Store struct {
	dimension int

	mu      sync.RWMutex
	records map[string]domain.EmbeddingRecord
}

func New(dimension int) *Store {
	return &Store{
		dimension: dimension,
		records:   make(map[string]domain.EmbeddingRecord),
	}
}

func (s *Store) Upsert(ctx context.Context, records []domain.EmbeddingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rec := range records {
		if len(rec.Vector) != s.dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "memory upsert",
				fmt.Errorf("chunk %s: got %d dimensions, want %d", rec.ChunkID, len(rec.Vector), s.dimension))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		stored := rec
		stored.Vector = append([]float32(nil), rec.Vector...)
		s.records[rec.ChunkID] = stored
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, limit int) ([]domain.VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if len(vector) != s.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "memory search",
			fmt.Errorf("query has %d dimensions, want %d", len(vector), s.dimension))
	}

	s.mu.RLock()
	hits := make([]domain.VectorHit, 0, len(s.records))
	for _, rec := range s.records {
		hits = append(hits, domain.VectorHit{Record: rec, Score: cosine(vector, rec.Vector)})
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ChunkID < hits[j].Record.ChunkID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	for i := range hits {
		hits[i].Rank = i + 1
		hits[i].Record.Vector = nil
	}
	return hits, nil
}

func (s *Store) Records(ctx context.Context, chunkIDs []string) (map[string]domain.RecordState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.RecordState, len(chunkIDs))
	for _, id := range chunkIDs {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		out[id] = domain.RecordState{ChunkID: id, TextHash: rec.TextHash, Model: rec.Model, Dimension: len(rec.Vector)}
	}
	return out, nil
}

func (s *Store) DeleteDocumentChunks(ctx context.Context, documentID string, keep []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.DocumentID != documentID {
			continue
		}
		if _, ok := keepSet[id]; ok {
			continue
		}
		delete(s.records, id)
	}
	return nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

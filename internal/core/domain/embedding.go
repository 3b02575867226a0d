package domain

// EmbeddingRecord is the stored vector plus payload for one chunk.
type EmbeddingRecord struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Filename   string    `json:"filename"`
	Section    string    `json:"section,omitempty"`
	Page       int       `json:"page,omitempty"`
	Text       string    `json:"text"`
	TextHash   string    `json:"text_hash"`
	Model      string    `json:"model"`
	Vector     []float32 `json:"-"`
}

// RecordState is what the vector store knows about a stored record.
type RecordState struct {
	ChunkID   string
	TextHash  string
	Model     string
	Dimension int
}

// Stale reports whether the record no longer matches a chunk with textHash
// embedded by model. A record without a model name only compares hashes.
func (s RecordState) Stale(textHash, model string) bool {
	if s.TextHash != textHash {
		return true
	}
	return s.Model != "" && model != "" && s.Model != model
}

// VectorHit is a search result with its 1-based position in vector order.
type VectorHit struct {
	Record EmbeddingRecord
	Score  float64
	Rank   int
}

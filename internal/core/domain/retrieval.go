package domain

type RankedChunk struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Filename    string  `json:"filename"`
	Section     string  `json:"section,omitempty"`
	Page        int     `json:"page,omitempty"`
	Text        string  `json:"text"`
	VectorScore float64 `json:"vector_score"`
	VectorRank  int     `json:"vector_rank"`
	RerankScore float64 `json:"rerank_score"`
}

type Retrieval struct {
	Chunks         []RankedChunk `json:"chunks"`
	Candidates     int           `json:"candidates"`
	RerankDegraded bool          `json:"rerank_degraded,omitempty"`
}

type Citation struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Section    string  `json:"section,omitempty"`
	Page       int     `json:"page,omitempty"`
	Score      float64 `json:"score"`
}

type Answer struct {
	Text              string     `json:"text"`
	Citations         []Citation `json:"citations"`
	NoContext         bool       `json:"no_context,omitempty"`
	RetrievalDegraded bool       `json:"retrieval_degraded,omitempty"`
	Failed            bool       `json:"failed,omitempty"`
}

func CitationFrom(c RankedChunk) Citation {
	return Citation{
		ChunkID:    c.ChunkID,
		DocumentID: c.DocumentID,
		Filename:   c.Filename,
		Section:    c.Section,
		Page:       c.Page,
		Score:      c.RerankScore,
	}
}

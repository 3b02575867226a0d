package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var chunkNamespace = uuid.MustParse("0b6f2d8e-47a1-5c39-8e52-d1a7f3c90b24")

type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	TextHash   string    `json:"text_hash"`
	Section    string    `json:"section,omitempty"`
	Page       int       `json:"page,omitempty"`
	// ParentID groups chunks cut from the same source paragraph.
	ParentID   string    `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewChunk builds a chunk with its deterministic id and text hash.
func NewChunk(documentID string, ordinal int, text, section string, page int) Chunk {
	return Chunk{
		ID:         NewChunkID(documentID, ordinal),
		DocumentID: documentID,
		Ordinal:    ordinal,
		Text:       text,
		TextHash:   HashText(text),
		Section:    section,
		Page:       page,
	}
}

func NewChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+":"+strconv.Itoa(ordinal))).String()
}

// NewParentID names the source paragraph at index paragraph of a document.
func NewParentID(documentID string, paragraph int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+":p"+strconv.Itoa(paragraph))).String()
}

func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkingStats describes how a document was split.
type ChunkingStats struct {
	Paragraphs int    `json:"paragraphs"`
	Chunks     int    `json:"chunks"`
	Classifier string `json:"classifier"`
	Degraded   bool   `json:"degraded"`
}

// BoundaryDecision is a classifier's estimate that two adjacent units
// belong to the same semantic unit.
type BoundaryDecision struct {
	Probability float64 `json:"probability"`
	Reason      string  `json:"reason,omitempty"`
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

const (
	StatusNew     DocumentStatus = "new"
	StatusChunked DocumentStatus = "chunked"
	StatusIndexed DocumentStatus = "indexed"
)

var documentNamespace = uuid.MustParse("6f1c3a52-9d0e-5b8a-a1f4-2c7e4b0d9e61")

func (s DocumentStatus) rank() int {
	switch s {
	case StatusNew:
		return 1
	case StatusChunked:
		return 2
	case StatusIndexed:
		return 3
	default:
		return 0
	}
}

func (s DocumentStatus) Valid() bool {
	return s.rank() > 0
}

// CanAdvanceTo allows only strictly forward moves: new -> chunked -> indexed.
func (s DocumentStatus) CanAdvanceTo(next DocumentStatus) bool {
	return s.Valid() && next.rank() == s.rank()+1
}

type Document struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	MimeType    string         `json:"mime_type"`
	StoragePath string         `json:"storage_path"`
	ContentHash string         `json:"content_hash"`
	SizeBytes   int64          `json:"size_bytes"`
	Status      DocumentStatus `json:"status"`
	ChunkCount  int            `json:"chunk_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ChunkedAt   *time.Time     `json:"chunked_at,omitempty"`
	IndexedAt   *time.Time     `json:"indexed_at,omitempty"`
}

// RegistryEntry is the processed-document view of a Document.
type RegistryEntry struct {
	DocumentID  string         `json:"document_id"`
	ContentHash string         `json:"content_hash"`
	Status      DocumentStatus `json:"status"`
	Chunked     bool           `json:"chunked"`
	Indexed     bool           `json:"indexed"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (d *Document) RegistryEntry() RegistryEntry {
	return RegistryEntry{
		DocumentID:  d.ID,
		ContentHash: d.ContentHash,
		Status:      d.Status,
		Chunked:     d.Status.rank() >= StatusChunked.rank(),
		Indexed:     d.Status == StatusIndexed,
		UpdatedAt:   d.UpdatedAt,
	}
}

// HashContent returns the hex sha256 used as the document identity key.
func HashContent(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NewDocumentID derives a stable id from the content hash so identical
// uploads always resolve to the same document.
func NewDocumentID(contentHash string) string {
	return uuid.NewSHA1(documentNamespace, []byte(contentHash)).String()
}

// Page is one extracted page of a source document. Formats without pages
// produce a single page numbered 1.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

package extractor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/extractor/docx"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/extractor/xlsx"
)

// Parser converts raw file bytes to pages.
type Parser interface {
	Parse(raw []byte) ([]domain.Page, error)
}

// Extractor loads a stored document and routes it to a format parser by
// file extension, then by MIME type.
type Extractor struct {
	storage    ports.ObjectStorage
	byExt      map[string]Parser
	byMimeType map[string]Parser
	text       Parser
}

func New(storage ports.ObjectStorage) *Extractor {
	text := plaintext.NewParser()
	pdfParser := pdf.NewParser()
	docxParser := docx.NewParser()
	xlsxParser := xlsx.NewParser()

	return &Extractor{
		storage: storage,
		byExt: map[string]Parser{
			".txt":  text,
			".md":   text,
			".csv":  text,
			".pdf":  pdfParser,
			".docx": docxParser,
			".xlsx": xlsxParser,
		},
		byMimeType: map[string]Parser{
			"text/plain":      text,
			"text/markdown":   text,
			"application/pdf": pdfParser,
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document": docxParser,
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       xlsxParser,
		},
		text: text,
	}
}

// Supports reports whether filename has a known extension.
func (e *Extractor) Supports(filename string) bool {
	_, ok := e.byExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error) {
	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}

	parser, err := e.parserFor(doc, raw)
	if err != nil {
		return nil, err
	}
	pages, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc.Filename, err)
	}
	return pages, nil
}

func (e *Extractor) parserFor(doc *domain.Document, raw []byte) (Parser, error) {
	if p, ok := e.byExt[strings.ToLower(filepath.Ext(doc.Filename))]; ok {
		return p, nil
	}
	mimeType := strings.TrimSpace(strings.SplitN(doc.MimeType, ";", 2)[0])
	if p, ok := e.byMimeType[strings.ToLower(mimeType)]; ok {
		return p, nil
	}
	if utf8.Valid(raw) {
		return e.text, nil
	}
	return nil, domain.WrapError(domain.ErrInvalidInput, "extract", fmt.Errorf("unsupported format: %s", doc.Filename))
}

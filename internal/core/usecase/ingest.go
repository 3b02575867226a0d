package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

type IngestDocumentUseCase struct {
	registry *Registry
	storage  ports.ObjectStorage
}

func NewIngestDocumentUseCase(registry *Registry, storage ports.ObjectStorage) *IngestDocumentUseCase {
	return &IngestDocumentUseCase{
		registry: registry,
		storage:  storage,
	}
}

// Upload stores the bytes and registers the document as new. Identical
// content resolves to the existing document; if that one is already
// processed the error wraps ErrDuplicateDocument and the document is still
// returned.
func (uc *IngestDocumentUseCase) Upload(
	ctx context.Context,
	filename, mimeType string,
	body io.Reader,
) (*domain.Document, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("empty document"))
	}

	hash := domain.HashContent(raw)
	id := domain.NewDocumentID(hash)
	storageKey := fmt.Sprintf("%s_%s", id, sanitizeFilename(filename))

	if err := uc.storage.Save(ctx, storageKey, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc := &domain.Document{
		ID:          id,
		Filename:    filename,
		MimeType:    mimeType,
		StoragePath: storageKey,
		ContentHash: hash,
		SizeBytes:   int64(len(raw)),
		Status:      domain.StatusNew,
	}

	stored, err := uc.registry.Register(ctx, doc)
	if err != nil {
		if stored != nil && domain.IsKind(err, domain.ErrDuplicateDocument) {
			return stored, err
		}
		return nil, fmt.Errorf("register document: %w", err)
	}
	return stored, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.bin"
	}
	return base
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const documentColumns = `id, filename, mime_type, storage_path, content_hash, size_bytes, status, chunk_count, created_at, updated_at, chunked_at, indexed_at`

type RegistryRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewRegistryRepository(db *sql.DB, dialect Dialect) *RegistryRepository {
	return &RegistryRepository{db: db, dialect: dialect}
}

func (r *RegistryRepository) InsertDocument(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`
INSERT INTO documents (`+documentColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING
`),
		doc.ID, doc.Filename, doc.MimeType, doc.StoragePath, doc.ContentHash, doc.SizeBytes,
		string(doc.Status), doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt, nullTime(doc.ChunkedAt), nullTime(doc.IndexedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert document rows affected: %w", err)
	}
	if affected == 1 {
		stored := *doc
		return &stored, true, nil
	}

	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`
SELECT `+documentColumns+`
FROM documents
WHERE content_hash = ?
`), doc.ContentHash)
	existing, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("insert document: conflicting row for %s vanished", doc.ContentHash)
		}
		return nil, false, fmt.Errorf("load existing document: %w", err)
	}
	return existing, false, nil
}

func (r *RegistryRepository) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`
SELECT `+documentColumns+`
FROM documents
WHERE id = ?
`), id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents in creation order. An empty status lists all.
func (r *RegistryRepository) ListDocuments(ctx context.Context, status domain.DocumentStatus) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (r *RegistryRepository) CommitChunks(ctx context.Context, documentID string, chunks []domain.Chunk, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk commit tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, r.dialect.Rebind(`
UPDATE documents
SET status = ?, chunk_count = ?, chunked_at = ?, updated_at = ?
WHERE id = ? AND status = ?
`), string(domain.StatusChunked), len(chunks), at, at, documentID, string(domain.StatusNew))
	if err != nil {
		return fmt.Errorf("advance document to chunked: %w", err)
	}
	if err := r.checkAdvanced(ctx, tx, res, documentID, domain.StatusChunked); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM chunks WHERE document_id = ?`), documentID); err != nil {
		return fmt.Errorf("delete previous chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, r.dialect.Rebind(`
INSERT INTO chunks (id, document_id, ordinal, text, text_hash, section, page, parent_id, created_at)
VALUES (?,?,?,?,?,?,?,?,?)
`))
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if chunk.DocumentID != documentID {
			return domain.WrapError(domain.ErrInvalidInput, "commit chunks",
				fmt.Errorf("chunk %s belongs to %s", chunk.ID, chunk.DocumentID))
		}
		createdAt := chunk.CreatedAt
		if createdAt.IsZero() {
			createdAt = at
		}
		if _, err := stmt.ExecContext(ctx,
			chunk.ID, chunk.DocumentID, chunk.Ordinal, chunk.Text, chunk.TextHash, chunk.Section, chunk.Page, chunk.ParentID, createdAt,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk tx: %w", err)
	}
	return nil
}

func (r *RegistryRepository) MarkIndexed(ctx context.Context, documentID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark indexed tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, r.dialect.Rebind(`
UPDATE documents
SET status = ?, indexed_at = ?, updated_at = ?
WHERE id = ? AND status = ?
`), string(domain.StatusIndexed), at, at, documentID, string(domain.StatusChunked))
	if err != nil {
		return fmt.Errorf("advance document to indexed: %w", err)
	}
	if err := r.checkAdvanced(ctx, tx, res, documentID, domain.StatusIndexed); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark indexed tx: %w", err)
	}
	return nil
}

func (r *RegistryRepository) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(`
SELECT id, document_id, ordinal, text, text_hash, section, page, parent_id, created_at
FROM chunks
WHERE document_id = ?
ORDER BY ordinal ASC
`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Chunk, 0)
	for rows.Next() {
		var chunk domain.Chunk
		if err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.Ordinal, &chunk.Text, &chunk.TextHash,
			&chunk.Section, &chunk.Page, &chunk.ParentID, &chunk.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// checkAdvanced turns a zero-row conditional update into not-found or an
// invalid transition.
func (r *RegistryRepository) checkAdvanced(ctx context.Context, tx *sql.Tx, res sql.Result, documentID string, target domain.DocumentStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, r.dialect.Rebind(`SELECT status FROM documents WHERE id = ?`), documentID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrDocumentNotFound, "advance document", fmt.Errorf("id=%s", documentID))
	}
	if err != nil {
		return fmt.Errorf("load document status: %w", err)
	}
	return domain.WrapError(domain.ErrInvalidTransition, "advance document",
		fmt.Errorf("%s: %s -> %s", documentID, current, target))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*domain.Document, error) {
	var doc domain.Document
	var status string
	var chunkedAt, indexedAt sql.NullTime

	if err := row.Scan(
		&doc.ID, &doc.Filename, &doc.MimeType, &doc.StoragePath, &doc.ContentHash, &doc.SizeBytes,
		&status, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt, &chunkedAt, &indexedAt,
	); err != nil {
		return nil, err
	}
	doc.Status = domain.DocumentStatus(status)
	if chunkedAt.Valid {
		t := chunkedAt.Time
		doc.ChunkedAt = &t
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		doc.IndexedAt = &t
	}
	return &doc, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

type HistoryRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewHistoryRepository(db *sql.DB, dialect Dialect) *HistoryRepository {
	return &HistoryRepository{db: db, dialect: dialect}
}

func (r *HistoryRepository) Append(ctx context.Context, turn domain.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	cited := turn.CitedChunkIDs
	if cited == nil {
		cited = []string{}
	}
	citedJSON, err := json.Marshal(cited)
	if err != nil {
		return fmt.Errorf("marshal cited chunks: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.dialect.Rebind(`
INSERT INTO conversation_turns (id, user_id, user_message, assistant_message, cited_chunk_ids, created_at)
VALUES (?,?,?,?,?,?)
`), turn.ID, turn.UserID, turn.UserMessage, turn.AssistantMessage, string(citedJSON), turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Recent(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(`
SELECT id, user_id, user_message, assistant_message, cited_chunk_ids, created_at
FROM conversation_turns
WHERE user_id = ?
ORDER BY seq DESC
LIMIT ?
`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Turn, 0, limit)
	for rows.Next() {
		var turn domain.Turn
		var citedRaw string
		if err := rows.Scan(
			&turn.ID,
			&turn.UserID,
			&turn.UserMessage,
			&turn.AssistantMessage,
			&citedRaw,
			&turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recent turn: %w", err)
		}
		if err := json.Unmarshal([]byte(citedRaw), &turn.CitedChunkIDs); err != nil {
			return nil, fmt.Errorf("unmarshal cited chunks: %w", err)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent turns: %w", err)
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

func TestHistoryRecentReturnsChronologicalOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	repo := NewHistoryRepository(db, Postgres)

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	mock.ExpectQuery("SELECT id, user_id, user_message").
		WithArgs("u1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "user_message", "assistant_message", "cited_chunk_ids", "created_at"}).
			AddRow("t2", "u1", "second", "answer 2", `["c2"]`, t2).
			AddRow("t1", "u1", "first", "answer 1", `[]`, t1))

	turns, err := repo.Recent(context.Background(), "u1", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != 2 || turns[0].ID != "t1" || turns[1].ID != "t2" {
		t.Fatalf("unexpected order: %+v", turns)
	}
	if len(turns[1].CitedChunkIDs) != 1 || turns[1].CitedChunkIDs[0] != "c2" {
		t.Fatalf("unexpected citations: %+v", turns[1].CitedChunkIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryAppendStoresCitationsAsJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	repo := NewHistoryRepository(db, SQLite)

	at := time.Now().UTC()
	mock.ExpectExec("INSERT INTO conversation_turns").
		WithArgs("t1", "u1", "q", "a", `["c1","c2"]`, at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Append(context.Background(), domain.Turn{
		ID: "t1", UserID: "u1", UserMessage: "q", AssistantMessage: "a",
		CitedChunkIDs: []string{"c1", "c2"}, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryRecentWithZeroLimitSkipsQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	turns, err := NewHistoryRepository(db, Postgres).Recent(context.Background(), "u1", 0)
	if err != nil || turns != nil {
		t.Fatalf("expected nil turns, got %v %v", turns, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

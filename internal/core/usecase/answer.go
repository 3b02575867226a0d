package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const (
	NoContextGeneral = "general"
	NoContextDecline = "decline"
)

type AnswerConfig struct {
	KCandidates       int
	NFinal            int
	HistoryTurns      int
	HistoryCharBudget int
	ContextCharBudget int
	NoContextPolicy   string
}

func (c AnswerConfig) normalize() AnswerConfig {
	out := c
	if out.KCandidates <= 0 {
		out.KCandidates = 20
	}
	if out.NFinal <= 0 {
		out.NFinal = 3
	}
	if out.HistoryTurns < 0 {
		out.HistoryTurns = 0
	}
	if out.ContextCharBudget <= 0 {
		out.ContextCharBudget = 8000
	}
	if out.NoContextPolicy != NoContextDecline {
		out.NoContextPolicy = NoContextGeneral
	}
	return out
}

// ChunkSource lists the stored chunks of a document in ordinal order.
type ChunkSource interface {
	Chunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

type AnswerOption func(*ConversationOrchestrator)

// WithParentContext sends the whole source paragraph of a matched chunk to the
// model when it fits the context budget. Citations still name the chunk.
func WithParentContext(source ChunkSource) AnswerOption {
	return func(o *ConversationOrchestrator) {
		o.parents = source
	}
}

// ConversationOrchestrator answers one query at a time per user: retrieve,
// assemble a budgeted prompt, call the model once, then record the turn.
type ConversationOrchestrator struct {
	retriever ports.Retriever
	generator ports.AnswerGenerator
	history   ports.HistoryStore
	parents   ChunkSource
	prompts   PromptSet
	cfg       AnswerConfig
	userLocks *keyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

func NewConversationOrchestrator(
	retriever ports.Retriever,
	generator ports.AnswerGenerator,
	history ports.HistoryStore,
	prompts PromptSet,
	cfg AnswerConfig,
	logger *slog.Logger,
	opts ...AnswerOption,
) *ConversationOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &ConversationOrchestrator{
		retriever: retriever,
		generator: generator,
		history:   history,
		prompts:   prompts,
		cfg:       cfg.normalize(),
		userLocks: newKeyedMutex(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer never surfaces model or retrieval error text. Retrieval failure
// continues without context; generation failure returns the fallback message
// with Failed set and records no turn. Under the decline policy a failed
// no-context call still yields the fixed decline message.
func (o *ConversationOrchestrator) Answer(ctx context.Context, userID, query string) (*domain.Answer, error) {
	userID = strings.TrimSpace(userID)
	query = strings.TrimSpace(query)
	if userID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("user id is required"))
	}
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("query is required"))
	}

	unlock := o.userLocks.Lock(userID)
	defer unlock()

	answer := &domain.Answer{Citations: []domain.Citation{}}

	var chunks []domain.RankedChunk
	retrieval, err := o.retriever.Retrieve(ctx, query, o.cfg.KCandidates, o.cfg.NFinal)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.WarnContext(ctx, "retrieval_degraded", "user_id", userID, "error", err)
		answer.RetrievalDegraded = true
	} else {
		chunks = retrieval.Chunks
	}

	turns := o.recentTurns(ctx, userID)

	answer.NoContext = len(chunks) == 0
	decline := answer.NoContext && o.cfg.NoContextPolicy == NoContextDecline

	req, included := buildAnswerRequest(o.prompts, query, chunks, turns, promptBudget{
		contextChars: o.cfg.ContextCharBudget,
		historyChars: o.cfg.HistoryCharBudget,
		decline:      decline,
		parents:      o.parentTexts(ctx, chunks),
	})

	text, err := o.generator.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.ErrorContext(ctx, "answer_generation_failed", "user_id", userID, "error", err)
		if decline {
			answer.Text = o.prompts.DeclineMessage
			o.appendTurn(ctx, userID, query, answer)
			return answer, nil
		}
		answer.Text = o.prompts.FallbackMessage
		answer.Failed = true
		return answer, nil
	}

	answer.Text = text
	for _, chunk := range included {
		answer.Citations = append(answer.Citations, domain.CitationFrom(chunk))
	}
	o.appendTurn(ctx, userID, query, answer)
	return answer, nil
}

// History returns up to limit turns of userID, oldest first.
func (o *ConversationOrchestrator) History(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "history", errors.New("user id is required"))
	}
	if limit <= 0 {
		limit = o.cfg.HistoryTurns
	}
	return o.history.Recent(ctx, userID, limit)
}

// parentTexts maps each chunk to the joined text of the chunks cut from the
// same source paragraph. Chunks that stand alone, or whose siblings cannot be
// loaded, are left out.
func (o *ConversationOrchestrator) parentTexts(ctx context.Context, chunks []domain.RankedChunk) map[string]string {
	if o.parents == nil || len(chunks) == 0 {
		return nil
	}
	byDocument := make(map[string][]domain.Chunk)
	out := make(map[string]string)
	for _, ranked := range chunks {
		siblings, ok := byDocument[ranked.DocumentID]
		if !ok {
			loaded, err := o.parents.Chunks(ctx, ranked.DocumentID)
			if err != nil {
				o.logger.WarnContext(ctx, "parent_context_unavailable", "document_id", ranked.DocumentID, "error", err)
			}
			siblings = loaded
			byDocument[ranked.DocumentID] = siblings
		}
		if text, ok := parentText(siblings, ranked.ChunkID); ok {
			out[ranked.ChunkID] = text
		}
	}
	return out
}

func parentText(chunks []domain.Chunk, chunkID string) (string, bool) {
	parentID := ""
	for _, chunk := range chunks {
		if chunk.ID == chunkID {
			parentID = chunk.ParentID
			break
		}
	}
	if parentID == "" {
		return "", false
	}
	parts := make([]string, 0, 2)
	for _, chunk := range chunks {
		if chunk.ParentID == parentID {
			parts = append(parts, strings.TrimSpace(chunk.Text))
		}
	}
	if len(parts) < 2 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func (o *ConversationOrchestrator) recentTurns(ctx context.Context, userID string) []domain.Turn {
	if o.cfg.HistoryTurns == 0 {
		return nil
	}
	turns, err := o.history.Recent(ctx, userID, o.cfg.HistoryTurns)
	if err != nil {
		o.logger.WarnContext(ctx, "history_load_failed", "user_id", userID, "error", err)
		return nil
	}
	return turns
}

func (o *ConversationOrchestrator) appendTurn(ctx context.Context, userID, query string, answer *domain.Answer) {
	cited := make([]string, 0, len(answer.Citations))
	for _, c := range answer.Citations {
		cited = append(cited, c.ChunkID)
	}
	turn := domain.Turn{
		ID:               uuid.NewString(),
		UserID:           userID,
		UserMessage:      query,
		AssistantMessage: answer.Text,
		CitedChunkIDs:    cited,
		CreatedAt:        o.now(),
	}
	if err := o.history.Append(ctx, turn); err != nil {
		o.logger.WarnContext(ctx, "history_append_failed", "user_id", userID, "error", err)
	}
}

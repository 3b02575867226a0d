package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

type stubRetriever struct {
	mu     sync.Mutex
	chunks []domain.RankedChunk
	err    error
	calls  int
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, _, _ int) (*domain.Retrieval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Retrieval{Chunks: s.chunks, Candidates: len(s.chunks)}, nil
}

func rankedChunk(id, text string, score float64) domain.RankedChunk {
	return domain.RankedChunk{ChunkID: id, DocumentID: "doc", Filename: "guide.pdf", Page: 2, Text: text, RerankScore: score}
}

func newOrchestrator(retriever *stubRetriever, generator *fakeGenerator, history *memHistory, cfg AnswerConfig) *ConversationOrchestrator {
	return NewConversationOrchestrator(retriever, generator, history, DefaultPromptSet(), cfg, nil)
}

func TestAnswerGroundsOnRetrievedChunks(t *testing.T) {
	retriever := &stubRetriever{chunks: []domain.RankedChunk{
		rankedChunk("c1", "The warranty lasts two years.", 4.2),
		rankedChunk("c2", "Returns are accepted within 30 days.", 1.1),
	}}
	generator := &fakeGenerator{text: "Two years."}
	history := &memHistory{}
	orch := newOrchestrator(retriever, generator, history, AnswerConfig{HistoryTurns: 4, HistoryCharBudget: 1000})

	answer, err := orch.Answer(context.Background(), "u1", "How long is the warranty?")
	require.NoError(t, err)
	assert.Equal(t, "Two years.", answer.Text)
	require.Len(t, answer.Citations, 2)
	assert.Equal(t, "c1", answer.Citations[0].ChunkID)
	assert.InDelta(t, 4.2, answer.Citations[0].Score, 1e-9)
	assert.False(t, answer.NoContext)

	require.Len(t, generator.requests, 1)
	req := generator.requests[0]
	assert.Contains(t, req.System, "The warranty lasts two years.")
	assert.Contains(t, req.System, "[1] guide.pdf (page 2)")
	assert.Equal(t, "How long is the warranty?", req.Messages[len(req.Messages)-1].Content)

	require.Len(t, history.turns, 1)
	assert.Equal(t, []string{"c1", "c2"}, history.turns[0].CitedChunkIDs)
	assert.Equal(t, "Two years.", history.turns[0].AssistantMessage)
}

func TestAnswerIncludesPriorTurns(t *testing.T) {
	history := &memHistory{turns: []domain.Turn{
		{UserID: "u1", UserMessage: "first question", AssistantMessage: "first answer", CreatedAt: time.Now()},
		{UserID: "u2", UserMessage: "someone else", AssistantMessage: "other", CreatedAt: time.Now()},
	}}
	generator := &fakeGenerator{text: "ok"}
	orch := newOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c1", "text", 1)}},
		generator, history, AnswerConfig{HistoryTurns: 4, HistoryCharBudget: 1000})

	_, err := orch.Answer(context.Background(), "u1", "follow up")
	require.NoError(t, err)

	msgs := generator.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "first question"}, msgs[0])
	assert.Equal(t, domain.ChatMessage{Role: domain.RoleAssistant, Content: "first answer"}, msgs[1])
	assert.Equal(t, "follow up", msgs[2].Content)
}

func TestAnswerGenerationFailureReturnsFallback(t *testing.T) {
	generator := &fakeGenerator{err: domain.WrapError(domain.ErrTimeout, "generate", errors.New("secret upstream detail"))}
	history := &memHistory{}
	orch := newOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c1", "text", 1)}},
		generator, history, AnswerConfig{})

	answer, err := orch.Answer(context.Background(), "u1", "question")
	require.NoError(t, err)
	assert.True(t, answer.Failed)
	assert.Equal(t, DefaultPromptSet().FallbackMessage, answer.Text)
	assert.NotContains(t, answer.Text, "secret")
	assert.Empty(t, answer.Citations)
	assert.Empty(t, history.turns)
}

func TestAnswerRetrievalFailureContinuesWithoutContext(t *testing.T) {
	retriever := &stubRetriever{err: domain.WrapError(domain.ErrTemporary, "search", errors.New("qdrant down"))}
	generator := &fakeGenerator{text: "general answer"}
	history := &memHistory{}
	orch := newOrchestrator(retriever, generator, history, AnswerConfig{})

	answer, err := orch.Answer(context.Background(), "u1", "question")
	require.NoError(t, err)
	assert.True(t, answer.RetrievalDegraded)
	assert.True(t, answer.NoContext)
	assert.Equal(t, "general answer", answer.Text)
	assert.Equal(t, DefaultPromptSet().NoContextSystem, generator.requests[0].System)
	assert.Len(t, history.turns, 1)
}

func TestAnswerDeclinePolicyAsksModelToDecline(t *testing.T) {
	generator := &fakeGenerator{text: "The documents do not cover this."}
	history := &memHistory{}
	orch := newOrchestrator(&stubRetriever{}, generator, history, AnswerConfig{NoContextPolicy: NoContextDecline})

	answer, err := orch.Answer(context.Background(), "u1", "question")
	require.NoError(t, err)
	assert.True(t, answer.NoContext)
	assert.False(t, answer.Failed)
	assert.Equal(t, "The documents do not cover this.", answer.Text)
	assert.Empty(t, answer.Citations)

	require.Len(t, generator.requests, 1)
	assert.Equal(t, DefaultPromptSet().DeclineSystem, generator.requests[0].System)
	assert.Equal(t, "question", generator.requests[0].Messages[0].Content)
	require.Len(t, history.turns, 1)
	assert.Empty(t, history.turns[0].CitedChunkIDs)
}

func TestAnswerDeclinePolicyFallsBackToFixedMessage(t *testing.T) {
	generator := &fakeGenerator{err: domain.WrapError(domain.ErrModelUnavailable, "generate", errors.New("ollama down"))}
	history := &memHistory{}
	orch := newOrchestrator(&stubRetriever{}, generator, history, AnswerConfig{NoContextPolicy: NoContextDecline})

	answer, err := orch.Answer(context.Background(), "u1", "question")
	require.NoError(t, err)
	assert.Len(t, generator.requests, 1)
	assert.Equal(t, DefaultPromptSet().DeclineMessage, answer.Text)
	assert.False(t, answer.Failed)
	require.Len(t, history.turns, 1)
	assert.Equal(t, DefaultPromptSet().DeclineMessage, history.turns[0].AssistantMessage)
}

func TestAnswerDeclinePolicyKeepsGroundedAnswers(t *testing.T) {
	generator := &fakeGenerator{text: "Two years."}
	orch := newOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c1", "The warranty lasts two years.", 3)}},
		generator, &memHistory{}, AnswerConfig{NoContextPolicy: NoContextDecline})

	_, err := orch.Answer(context.Background(), "u1", "warranty?")
	require.NoError(t, err)
	require.Len(t, generator.requests, 1)
	assert.NotContains(t, generator.requests[0].System, DefaultPromptSet().DeclineSystem)
	assert.Contains(t, generator.requests[0].System, "The warranty lasts two years.")
}

type staticChunks map[string][]domain.Chunk

func (s staticChunks) Chunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	chunks, ok := s[documentID]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return chunks, nil
}

func splitParagraph(parentID string, texts ...string) []domain.Chunk {
	out := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		out[i] = domain.Chunk{ID: fmt.Sprintf("c%d", i+1), DocumentID: "doc", Ordinal: i, Text: text, ParentID: parentID}
	}
	return out
}

func TestAnswerSendsWholeParagraphOfMatchedChunk(t *testing.T) {
	source := staticChunks{"doc": append(
		splitParagraph("p0", "The warranty lasts two years.", "It covers parts and labour."),
		domain.Chunk{ID: "c3", DocumentID: "doc", Ordinal: 2, Text: "Shipping is free.", ParentID: "p1"},
	)}
	generator := &fakeGenerator{text: "Two years, parts and labour."}
	orch := NewConversationOrchestrator(
		&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c2", "It covers parts and labour.", 2)}},
		generator, &memHistory{}, DefaultPromptSet(), AnswerConfig{}, nil, WithParentContext(source),
	)

	answer, err := orch.Answer(context.Background(), "u1", "what does the warranty cover?")
	require.NoError(t, err)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "c2", answer.Citations[0].ChunkID)

	system := generator.requests[0].System
	assert.Contains(t, system, "The warranty lasts two years.\nIt covers parts and labour.")
	assert.NotContains(t, system, "Shipping is free.")
}

func TestAnswerKeepsChunkWhenParagraphExceedsBudget(t *testing.T) {
	long := strings.Repeat("warranty terms ", 40)
	source := staticChunks{"doc": splitParagraph("p0", long, "It covers parts and labour.")}
	generator := &fakeGenerator{text: "ok"}
	orch := NewConversationOrchestrator(
		&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c2", "It covers parts and labour.", 2)}},
		generator, &memHistory{}, DefaultPromptSet(), AnswerConfig{ContextCharBudget: 200}, nil, WithParentContext(source),
	)

	_, err := orch.Answer(context.Background(), "u1", "coverage?")
	require.NoError(t, err)
	system := generator.requests[0].System
	assert.Contains(t, system, "It covers parts and labour.")
	assert.NotContains(t, system, "warranty terms")
}

func TestAnswerIgnoresUnavailableParagraphs(t *testing.T) {
	generator := &fakeGenerator{text: "ok"}
	chunk := rankedChunk("c9", "Standalone text.", 1)
	chunk.DocumentID = "gone"
	orch := NewConversationOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{chunk}},
		generator, &memHistory{}, DefaultPromptSet(), AnswerConfig{}, nil, WithParentContext(staticChunks{}))

	answer, err := orch.Answer(context.Background(), "u1", "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", answer.Text)
	assert.Contains(t, generator.requests[0].System, "Standalone text.")
}

func TestAnswerHistoryAppendFailureIsNotFatal(t *testing.T) {
	history := &memHistory{appendErr: errors.New("db down")}
	orch := newOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c1", "text", 1)}},
		&fakeGenerator{text: "ok"}, history, AnswerConfig{})

	answer, err := orch.Answer(context.Background(), "u1", "question")
	require.NoError(t, err)
	assert.Equal(t, "ok", answer.Text)
}

func TestAnswerValidation(t *testing.T) {
	orch := newOrchestrator(&stubRetriever{}, &fakeGenerator{}, &memHistory{}, AnswerConfig{})

	_, err := orch.Answer(context.Background(), "", "question")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = orch.Answer(context.Background(), "u1", strings.Repeat(" ", 3))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = orch.History(context.Background(), " ", 5)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAnswerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retriever := &stubRetriever{err: context.Canceled}
	orch := newOrchestrator(retriever, &fakeGenerator{}, &memHistory{}, AnswerConfig{})

	_, err := orch.Answer(ctx, "u1", "question")
	require.ErrorIs(t, err, context.Canceled)
}

func TestHistoryReturnsChronologicalTurns(t *testing.T) {
	history := &memHistory{}
	orch := newOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c1", "text", 1)}},
		&fakeGenerator{text: "a"}, history, AnswerConfig{HistoryTurns: 10})

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := orch.Answer(context.Background(), "u1", q)
		require.NoError(t, err)
	}

	turns, err := orch.History(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q2", turns[0].UserMessage)
	assert.Equal(t, "q3", turns[1].UserMessage)
}

// gatedGenerator holds every call until released and tracks how many run at once.
type gatedGenerator struct {
	mu      sync.Mutex
	active  int
	peak    int
	started chan string
	release chan struct{}
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{started: make(chan string, 4), release: make(chan struct{})}
}

func (g *gatedGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	g.mu.Lock()
	g.active++
	g.peak = max(g.peak, g.active)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	query := req.Messages[len(req.Messages)-1].Content
	g.started <- query
	select {
	case <-g.release:
		return "re " + query, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedGenerator) peakConcurrency() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func waitStarted(t *testing.T, g *gatedGenerator) string {
	t.Helper()
	select {
	case q := <-g.started:
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not start")
		return ""
	}
}

func TestAnswerSerializesTurnsOfOneUser(t *testing.T) {
	generator := newGatedGenerator()
	history := &memHistory{}
	orch := NewConversationOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c1", "text", 1)}},
		generator, history, DefaultPromptSet(), AnswerConfig{HistoryTurns: 4, HistoryCharBudget: 1000}, nil)

	var wg sync.WaitGroup
	for _, q := range []string{"q1", "q2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Answer(context.Background(), "u1", q)
			assert.NoError(t, err)
		}()
	}

	first := waitStarted(t, generator)
	select {
	case q := <-generator.started:
		t.Fatalf("second turn %q started while %q was in flight", q, first)
	case <-time.After(50 * time.Millisecond):
	}
	generator.release <- struct{}{}

	second := waitStarted(t, generator)
	generator.release <- struct{}{}
	wg.Wait()

	assert.Equal(t, 1, generator.peakConcurrency())
	require.Len(t, history.turns, 2)
	assert.Equal(t, first, history.turns[0].UserMessage)
	assert.Equal(t, second, history.turns[1].UserMessage)
	assert.Equal(t, "re "+first, history.turns[0].AssistantMessage)
}

func TestAnswerRunsDifferentUsersInParallel(t *testing.T) {
	generator := newGatedGenerator()
	history := &memHistory{}
	orch := NewConversationOrchestrator(&stubRetriever{chunks: []domain.RankedChunk{rankedChunk("c1", "text", 1)}},
		generator, history, DefaultPromptSet(), AnswerConfig{}, nil)

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Answer(context.Background(), user, "question of "+user)
			assert.NoError(t, err)
		}()
	}

	waitStarted(t, generator)
	waitStarted(t, generator)
	close(generator.release)
	wg.Wait()

	assert.Equal(t, 2, generator.peakConcurrency())
	assert.Len(t, history.turns, 2)
}

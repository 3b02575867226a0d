package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const (
	serverName    = "grounded-rag"
	serverVersion = "0.1.0"

	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// Server exposes retrieval and answering as MCP tools.
type Server struct {
	retriever    ports.Retriever
	conversation ports.ConversationService
	documents    ports.DocumentReader
	kCandidates  int
	logger       *slog.Logger
	mcp          *server.MCPServer
}

func NewServer(
	retriever ports.Retriever,
	conversation ports.ConversationService,
	documents ports.DocumentReader,
	kCandidates int,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if kCandidates <= 0 {
		kCandidates = 20
	}
	s := &Server{
		retriever:    retriever,
		conversation: conversation,
		documents:    documents,
		kCandidates:  kCandidates,
		logger:       logger,
		mcp:          server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving JSON-RPC over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Find the indexed document excerpts most relevant to a query. "+
			"Results are ordered by relevance and carry the source file, page and section."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language query")),
		mcp.WithNumber("limit", mcp.Description("Number of excerpts to return (default 5, max 20)")),
	), s.handleSearch)

	s.mcp.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answer a question from the indexed documents with citations. "+
			"The exchange is added to the user's conversation history."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Conversation owner")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question to answer")),
	), s.handleAsk)

	s.mcp.AddTool(mcp.NewTool("document_status",
		mcp.WithDescription("Report whether a document has been chunked and indexed."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
	), s.handleDocumentStatus)
}

type searchResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Page       int     `json:"page,omitempty"`
	Section    string  `json:"section,omitempty"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

type searchOutput struct {
	Results        []searchResult `json:"results"`
	Count          int            `json:"count"`
	RerankDegraded bool           `json:"rerank_degraded,omitempty"`
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", defaultSearchLimit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	retrieval, err := s.retriever.Retrieve(ctx, query, max(s.kCandidates, limit), limit)
	if err != nil {
		return s.toolError(ctx, "search_documents", err), nil
	}

	out := searchOutput{Results: make([]searchResult, 0, len(retrieval.Chunks)), RerankDegraded: retrieval.RerankDegraded}
	for _, chunk := range retrieval.Chunks {
		out.Results = append(out.Results, searchResult{
			ChunkID:    chunk.ChunkID,
			DocumentID: chunk.DocumentID,
			Filename:   chunk.Filename,
			Page:       chunk.Page,
			Section:    chunk.Section,
			Score:      chunk.RerankScore,
			Text:       chunk.Text,
		})
	}
	out.Count = len(out.Results)
	return jsonResult(out)
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	answer, err := s.conversation.Answer(ctx, userID, query)
	if err != nil {
		return s.toolError(ctx, "ask", err), nil
	}
	result, err := jsonResult(answer)
	if err != nil {
		return nil, err
	}
	result.IsError = answer.Failed
	return result, nil
}

func (s *Server) handleDocumentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entry, err := s.documents.Entry(ctx, id)
	if err != nil {
		return s.toolError(ctx, "document_status", err), nil
	}
	return jsonResult(entry)
}

// toolError reports failures to the client without upstream detail.
func (s *Server) toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrDocumentNotFound):
		return mcp.NewToolResultError(err.Error())
	default:
		s.logger.ErrorContext(ctx, "mcp_tool_failed", "tool", tool, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s failed, please retry", tool))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

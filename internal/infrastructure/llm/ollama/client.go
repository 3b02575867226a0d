package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Option func(*Client)

// WithExecutor routes every call through retries and a circuit breaker.
func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) {
		c.executor = executor
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func New(baseURL, genModel, embedModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Embedder struct {
	client    *Client
	dimension int
}

// NewEmbedder returns an embedder that rejects vectors whose length differs
// from dimension. A zero dimension disables the check.
func NewEmbedder(client *Client, dimension int) *Embedder {
	return &Embedder{client: client, dimension: dimension}
}

func (e *Embedder) Model() string {
	return e.client.embedModel
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "embed", "/api/embed", request, &response); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "ollama embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings)))
	}
	for i, vector := range response.Embeddings {
		if e.dimension > 0 && len(vector) != e.dimension {
			return nil, domain.WrapError(domain.ErrDimensionMismatch, "ollama embed",
				fmt.Errorf("input %d: got %d dimensions, want %d", i, len(vector), e.dimension))
		}
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

// Generator answers through /api/chat so history keeps its roles.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Model() string {
	return g.client.genModel
}

func (g *Generator) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	messages := make([]domain.ChatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)

	body := map[string]any{
		"model":    g.client.genModel,
		"messages": messages,
		"stream":   false,
	}

	var response struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		DoneReason string `json:"done_reason"`
	}
	if err := g.client.call(ctx, "chat", "/api/chat", body, &response); err != nil {
		return "", err
	}

	text := strings.TrimSpace(response.Message.Content)
	if text == "" {
		return "", domain.WrapError(domain.ErrContentFiltered, "ollama chat",
			fmt.Errorf("empty completion (done_reason=%q)", response.DoneReason))
	}
	return text, nil
}

// BoundaryClassifier asks the model whether two adjacent paragraphs belong
// to the same semantic unit.
type BoundaryClassifier struct {
	client *Client
	model  string
}

func NewBoundaryClassifier(client *Client, model string) *BoundaryClassifier {
	if model == "" {
		model = client.genModel
	}
	return &BoundaryClassifier{client: client, model: model}
}

func (b *BoundaryClassifier) Name() string {
	return "semantic"
}

func (b *BoundaryClassifier) SameUnit(ctx context.Context, left, right string) (domain.BoundaryDecision, error) {
	respText, err := b.client.generateJSON(ctx, b.model, buildBoundaryPrompt(left, right))
	if err != nil {
		return domain.BoundaryDecision{}, err
	}

	var result struct {
		SameUnit   bool     `json:"same_unit"`
		Confidence *float64 `json:"confidence"`
		Reason     string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &result); err != nil {
		return domain.BoundaryDecision{}, domain.WrapError(domain.ErrModelUnavailable, "parse boundary json", err)
	}

	confidence := 1.0
	if result.Confidence != nil {
		confidence = *result.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return domain.BoundaryDecision{}, domain.WrapError(domain.ErrModelUnavailable, "parse boundary json",
			fmt.Errorf("confidence %v out of range", confidence))
	}

	probability := confidence
	if !result.SameUnit {
		probability = 1 - confidence
	}
	return domain.BoundaryDecision{Probability: probability, Reason: result.Reason}, nil
}

func (c *Client) generateJSON(ctx context.Context, model, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
			"seed":        7,
		},
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := c.call(ctx, "generate", "/api/generate", reqBody, &response); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

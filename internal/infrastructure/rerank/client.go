package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

const (
	ProviderTEI    = "tei"
	ProviderJina   = "jina"
	ProviderCohere = "cohere"
)

// Client scores (query, text) pairs with a hosted cross-encoder.
// TEI returns raw logits; Jina and Cohere return relevance scores in [0,1].
type Client struct {
	provider   string
	url        string
	model      string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Option func(*Client)

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

func NewClient(provider, url, model, apiKey string, opts ...Option) (*Client, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	switch provider {
	case ProviderTEI, ProviderJina, ProviderCohere:
	default:
		return nil, fmt.Errorf("unsupported rerank provider %q", provider)
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rerank url is required for provider %q", provider)
	}

	c := &Client{
		provider:   provider,
		url:        url,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ScorePairs(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var scores []float64
	fn := func(ctx context.Context) error {
		var err error
		scores, err = c.score(ctx, query, texts)
		return err
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "rerank."+c.provider, fn, resilience.ClassifyHTTPError)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		return nil, resilience.WrapRetryable(domain.ErrModelUnavailable, "rerank "+c.provider, err)
	}
	return scores, nil
}

func (c *Client) score(ctx context.Context, query string, texts []string) ([]float64, error) {
	var payload map[string]any
	if c.provider == ProviderTEI {
		payload = map[string]any{
			"query":      query,
			"texts":      texts,
			"raw_scores": true,
			"truncate":   true,
		}
	} else {
		payload = map[string]any{
			"model":     c.model,
			"query":     query,
			"documents": texts,
			"top_n":     len(texts),
		}
		if c.provider == ProviderCohere {
			payload["return_documents"] = false
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPStatusError("rerank", c.provider, resp)
	}

	type indexed struct {
		Index          int      `json:"index"`
		Score          *float64 `json:"score"`
		RelevanceScore *float64 `json:"relevance_score"`
	}

	var results []indexed
	if c.provider == ProviderTEI {
		if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
			return nil, fmt.Errorf("decode rerank response: %w", err)
		}
	} else {
		var envelope struct {
			Results []indexed `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("decode rerank response: %w", err)
		}
		results = envelope.Results
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(texts) {
			return nil, fmt.Errorf("rerank response index %d out of range", r.Index)
		}
		switch {
		case r.RelevanceScore != nil:
			scores[r.Index] = *r.RelevanceScore
		case r.Score != nil:
			scores[r.Index] = *r.Score
		default:
			return nil, fmt.Errorf("rerank response item %d has no score", r.Index)
		}
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing score for text %d", i)
		}
	}
	return scores, nil
}

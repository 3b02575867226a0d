package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	collection string
	dimension  int
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
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

// New returns a client for one collection. dimension is the configured
// embedding size; an existing collection with another size is rejected.
func New(baseURL, collection string, dimension int, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Upsert(ctx context.Context, records []domain.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if len(rec.Vector) != c.dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "qdrant upsert",
				fmt.Errorf("chunk %s: got %d dimensions, collection has %d", rec.ChunkID, len(rec.Vector), c.dimension))
		}
	}
	if err := c.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]point, 0, len(records))
	for _, rec := range records {
		points = append(points, point{
			ID:     rec.ChunkID,
			Vector: rec.Vector,
			Payload: map[string]any{
				"chunk_id":  rec.ChunkID,
				"doc_id":    rec.DocumentID,
				"ordinal":   rec.Ordinal,
				"filename":  rec.Filename,
				"section":   rec.Section,
				"page":      rec.Page,
				"text":      rec.Text,
				"text_hash": rec.TextHash,
				"model":     rec.Model,
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	err := c.do(ctx, "upsert", http.MethodPut, path, map[string]any{"points": points}, nil)
	return mapVectorError("qdrant upsert", err)
}

func (c *Client) Search(ctx context.Context, vector []float32, limit int) ([]domain.VectorHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(vector) != c.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "qdrant search",
			fmt.Errorf("query has %d dimensions, collection has %d", len(vector), c.dimension))
	}

	reqBody := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.do(ctx, "search", http.MethodPost, path, reqBody, &searchResp); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapVectorError("qdrant search", err)
	}

	out := make([]domain.VectorHit, 0, len(searchResp.Result))
	for i, r := range searchResp.Result {
		out = append(out, domain.VectorHit{
			Record: recordFromPayload(r.Payload),
			Score:  r.Score,
			Rank:   i + 1,
		})
	}
	return out, nil
}

func (c *Client) Records(ctx context.Context, chunkIDs []string) (map[string]domain.RecordState, error) {
	out := make(map[string]domain.RecordState, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	reqBody := map[string]any{
		"ids":          chunkIDs,
		"with_payload": []string{"chunk_id", "text_hash", "model"},
		"with_vector":  true,
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Payload map[string]any `json:"payload"`
			Vector  []float32      `json:"vector"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points", c.collection)
	if err := c.do(ctx, "retrieve", http.MethodPost, path, reqBody, &resp); err != nil {
		if isNotFound(err) {
			return out, nil
		}
		return nil, mapVectorError("qdrant retrieve", err)
	}

	for _, r := range resp.Result {
		chunkID := getStringPayload(r.Payload, "chunk_id")
		if chunkID == "" {
			chunkID = fmt.Sprintf("%v", r.ID)
		}
		out[chunkID] = domain.RecordState{
			ChunkID:   chunkID,
			TextHash:  getStringPayload(r.Payload, "text_hash"),
			Model:     getStringPayload(r.Payload, "model"),
			Dimension: len(r.Vector),
		}
	}
	return out, nil
}

func (c *Client) DeleteDocumentChunks(ctx context.Context, documentID string, keep []string) error {
	filter := map[string]any{
		"must": []map[string]any{
			{"key": "doc_id", "match": map[string]any{"value": documentID}},
		},
	}
	if len(keep) > 0 {
		filter["must_not"] = []map[string]any{
			{"has_id": keep},
		}
	}

	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	err := c.do(ctx, "delete", http.MethodPost, path, map[string]any{"filter": filter}, nil)
	if isNotFound(err) {
		return nil
	}
	return mapVectorError("qdrant delete", err)
}

func (c *Client) ensureCollection(ctx context.Context) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensuredCollection {
		return nil
	}

	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s", c.collection)
	err := c.do(ctx, "collection_info", http.MethodGet, path, nil, &info)
	switch {
	case err == nil:
		if size := info.Result.Config.Params.Vectors.Size; size != c.dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "qdrant ensure collection",
				fmt.Errorf("collection %s has size %d, configured %d", c.collection, size, c.dimension))
		}
	case isNotFound(err):
		reqBody := map[string]any{
			"vectors": map[string]any{
				"size":     c.dimension,
				"distance": "Cosine",
			},
		}
		err = c.do(ctx, "create_collection", http.MethodPut, path, reqBody, nil)
		var statusErr *resilience.HTTPStatusError
		if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict) {
			return mapVectorError("qdrant ensure collection", err)
		}
	default:
		return mapVectorError("qdrant ensure collection", err)
	}

	c.ensuredCollection = true
	return nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload any, out any) error {
	fn := func(ctx context.Context) error {
		return c.request(ctx, operation, method, path, payload, out)
	}
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, "qdrant."+operation, fn, classifyQdrantError)
}

func (c *Client) request(ctx context.Context, operation, method, path string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("qdrant", operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func recordFromPayload(payload map[string]any) domain.EmbeddingRecord {
	return domain.EmbeddingRecord{
		ChunkID:    getStringPayload(payload, "chunk_id"),
		DocumentID: getStringPayload(payload, "doc_id"),
		Ordinal:    getIntPayload(payload, "ordinal"),
		Filename:   getStringPayload(payload, "filename"),
		Section:    getStringPayload(payload, "section"),
		Page:       getIntPayload(payload, "page"),
		Text:       getStringPayload(payload, "text"),
		TextHash:   getStringPayload(payload, "text_hash"),
		Model:      getStringPayload(payload, "model"),
	}
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

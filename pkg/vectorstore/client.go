package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/types"
)

// existenceCacheTTL bounds how long a collection is assumed to exist
// without re-checking, so EnsureCollection stays off the hot path.
const existenceCacheTTL = 5 * time.Minute

// Client talks to Qdrant's REST API. Every collection it creates
// carries three vector slots: a dense cosine vector, a bm25 sparse
// vector with server-side IDF, and a multi-vector late-interaction
// slot scored with max-sim.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu      sync.Mutex
	ensured map[string]time.Time
	now     func() time.Time
}

// Config for the Qdrant connection
type Config struct {
	Host    string
	Port    int
	APIKey  string
	UseTLS  bool
	Timeout time.Duration
}

// NewClient builds a REST client for the configured Qdrant instance
func NewClient(cfg Config) *Client {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		ensured: make(map[string]time.Time),
		now:     time.Now,
	}
}

// NewClientForURL is used by tests to point at a stub server
func NewClientForURL(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		ensured: make(map[string]time.Time),
		now:     time.Now,
	}
}

type apiResponse struct {
	Status json.RawMessage `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read qdrant response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("qdrant %s %s returned %d: %s", method, path, resp.StatusCode, truncate(string(raw), 500))
	}
	if out != nil {
		var envelope apiResponse
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("failed to decode qdrant response: %w", err)
		}
		if len(envelope.Result) > 0 {
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return fmt.Errorf("failed to decode qdrant result: %w", err)
			}
		}
	}
	return nil
}

// Ping checks connectivity via the collections listing
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/collections", nil, nil)
}

// CollectionExists checks for a collection without consulting the cache
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+name+"/exists", nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// EnsureCollection creates the collection with the standard vector
// schema if it does not exist. Existence is cached for five minutes
// per collection.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	if checked, ok := c.ensured[name]; ok && c.now().Sub(checked) < existenceCacheTTL {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if err := c.createCollection(ctx, name); err != nil {
			return err
		}
		log.WithComponent("vectorstore").Info().Str("collection", name).Msg("created collection")
	}

	c.mu.Lock()
	c.ensured[name] = c.now()
	c.mu.Unlock()
	return nil
}

func (c *Client) createCollection(ctx context.Context, name string) error {
	body := map[string]any{
		"vectors": map[string]any{
			VectorDense: map[string]any{
				"size":     DenseSize,
				"distance": "Cosine",
			},
			VectorLate: map[string]any{
				"size":     128,
				"distance": "Cosine",
				"multivector_config": map[string]any{
					"comparator": "max_sim",
				},
			},
		},
		"sparse_vectors": map[string]any{
			VectorSparse: map[string]any{
				"modifier": "idf",
			},
		},
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	// Payload indexes for the fields the repository filters on
	for field, schema := range map[string]string{
		"status":      "keyword",
		"type":        "keyword",
		"job_id":      "keyword",
		"source":      "keyword",
		"chunk_index": "integer",
	} {
		idx := map[string]any{"field_name": field, "field_schema": schema}
		if err := c.do(ctx, http.MethodPut, "/collections/"+name+"/index", idx, nil); err != nil {
			return fmt.Errorf("failed to index %s on %s: %w", field, name, err)
		}
	}
	return nil
}

type pointRecord struct {
	ID      string         `json:"id"`
	Vector  map[string]any `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// UpsertPoints writes points into a collection, waiting for the write
// to be applied before returning.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}
	records := make([]pointRecord, len(points))
	for i, p := range points {
		vec := map[string]any{
			VectorDense: p.Dense,
			VectorSparse: map[string]any{
				"indices": p.Sparse.Indices,
				"values":  p.Sparse.Values,
			},
		}
		if len(p.LateInteraction) > 0 {
			vec[VectorLate] = p.LateInteraction
		}
		records[i] = pointRecord{ID: p.ID, Vector: vec, Payload: p.Payload}
	}
	body := map[string]any{"points": records}
	if err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("failed to upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

// ScrollResult is one page of points plus the offset token for the next
type ScrollResult struct {
	Points     []ScrolledPoint `json:"points"`
	NextOffset json.RawMessage `json:"next_page_offset"`
}

// ScrolledPoint is a point as returned by scroll and retrieve
type ScrolledPoint struct {
	ID      json.RawMessage `json:"id"`
	Payload map[string]any  `json:"payload"`
}

// IDString renders numeric and string point IDs uniformly
func (p ScrolledPoint) IDString() string {
	var s string
	if err := json.Unmarshal(p.ID, &s); err == nil {
		return s
	}
	return string(p.ID)
}

// Scroll pages through a collection with an optional payload filter.
// Pass the previous page's NextOffset to continue; nil starts over.
func (c *Client) Scroll(ctx context.Context, collection string, filter map[string]any, limit int, offset json.RawMessage) (*ScrollResult, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}
	if len(offset) > 0 {
		body["offset"] = offset
	}
	var out ScrollResult
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &out); err != nil {
		return nil, fmt.Errorf("failed to scroll %s: %w", collection, err)
	}
	return &out, nil
}

// Retrieve fetches specific points by ID with payloads
func (c *Client) Retrieve(ctx context.Context, collection string, ids []string) ([]ScrolledPoint, error) {
	body := map[string]any{
		"ids":          ids,
		"with_payload": true,
	}
	var out []ScrolledPoint
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points", body, &out); err != nil {
		return nil, fmt.Errorf("failed to retrieve points from %s: %w", collection, err)
	}
	return out, nil
}

// SetPayload merges payload fields into the given points
func (c *Client) SetPayload(ctx context.Context, collection string, ids []string, payload map[string]any) error {
	body := map[string]any{
		"points":  ids,
		"payload": payload,
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/payload?wait=true", body, nil); err != nil {
		return fmt.Errorf("failed to set payload in %s: %w", collection, err)
	}
	return nil
}

// SearchHit is one scored result from a dense search
type SearchHit struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// Search runs a dense-vector similarity query
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]SearchHit, error) {
	body := map[string]any{
		"vector": map[string]any{
			"name":   VectorDense,
			"vector": vector,
		},
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}
	var out []SearchHit
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &out); err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package client provides a Go SDK for talking to a vectordb engine.
//
// Instead of hand-rolling HTTP requests and JSON envelopes, callers
// get typed methods:
//
//	c := client.New("http://localhost:8080", 10*time.Second)
//	c.Upsert(ctx, client.UpsertRequest{ID: 1, Vectors: []float32{1, 0}, IndexType: "FLAT"})
//	c.Search(ctx, client.SearchRequest{Vectors: []float32{1, 0}, K: 5, IndexType: "FLAT"})
//
// The SDK hides the HTTP plumbing but not the engine's semantics: a
// non-zero retcode in the envelope surfaces as an error carrying the
// engine's error_msg.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client represents a connection to one engine endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client. timeout guards every request; zero means a
// 10 second default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// UpsertRequest inserts or replaces one record. Scalars carries the
// arbitrary extra fields; integer-valued scalars become filterable.
type UpsertRequest struct {
	ID        uint64
	Vectors   []float32
	IndexType string
	Scalars   map[string]any
}

// FilterCondition narrows a search to records matching field op value.
type FilterCondition struct {
	FieldName string `json:"fieldName"`
	Op        string `json:"op"`
	Value     int64  `json:"value"`
}

// SearchRequest is a top-k query.
type SearchRequest struct {
	Vectors   []float32        `json:"vectors"`
	K         int              `json:"k"`
	IndexType string           `json:"index_type"`
	Filter    *FilterCondition `json:"filter,omitempty"`
	EfSearch  int              `json:"ef_search,omitempty"`
}

// SearchResult is the aligned (ids, distances) answer.
type SearchResult struct {
	IDs       []int64
	Distances []float32
}

// envelope is the engine's generic response shape; endpoint-specific
// fields are left to json.RawMessage so one decode path serves all.
type envelope struct {
	Retcode   int             `json:"retcode"`
	ErrorMsg  string          `json:"error_msg"`
	Vectors   []int64         `json:"vectors"`
	Distances []float32       `json:"distances"`
	Data      json.RawMessage `json:"data"`
}

// Upsert stores the record in the engine.
func (c *Client) Upsert(ctx context.Context, req UpsertRequest) error {
	// Flatten into the wire shape: scalars at top level next to the
	// reserved fields.
	payload := make(map[string]any, len(req.Scalars)+3)
	for k, v := range req.Scalars {
		payload[k] = v
	}
	payload["id"] = req.ID
	payload["vectors"] = req.Vectors
	payload["index_type"] = req.IndexType

	env, err := c.post(ctx, "/upsert", payload)
	if err != nil {
		return err
	}
	return envErr(env)
}

// Search runs a top-k query and returns the aligned ids/distances.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	env, err := c.post(ctx, "/search", req)
	if err != nil {
		return nil, err
	}
	if err := envErr(env); err != nil {
		return nil, err
	}
	return &SearchResult{IDs: env.Vectors, Distances: env.Distances}, nil
}

// Query fetches the canonical record for id. A missing id yields an
// empty map, mirroring the engine.
func (c *Client) Query(ctx context.Context, id uint64) (map[string]any, error) {
	env, err := c.post(ctx, "/query", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if err := envErr(env); err != nil {
		return nil, err
	}

	record := map[string]any{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
	}
	return record, nil
}

// Snapshot asks the engine to persist a point-in-time snapshot.
func (c *Client) Snapshot(ctx context.Context) error {
	env, err := c.post(ctx, "/snapshot", map[string]any{})
	if err != nil {
		return err
	}
	return envErr(env)
}

// Health probes the engine.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

// post sends body as JSON and decodes the envelope. Non-2xx statuses
// still try to decode — the engine ships an envelope either way.
func (c *Client) post(ctx context.Context, path string, body any) (*envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("POST %s: status %d, undecodable body: %w",
			path, resp.StatusCode, err)
	}
	return &env, nil
}

func envErr(env *envelope) error {
	if env.Retcode != 0 {
		return fmt.Errorf("engine error: %s", env.ErrorMsg)
	}
	return nil
}

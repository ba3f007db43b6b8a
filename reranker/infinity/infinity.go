//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package infinity implements a cross-encoder reranker against a
// self-hosted Infinity/TEI-compatible endpoint.
package infinity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
	"trpc.group/trpc-go/trpc-cogmem-go/reranker"
)

const envInfinityURL = "INFINITY_URL"

// defaultTimeout bounds a single rerank request.
const defaultTimeout = 30 * time.Second

var _ reranker.Reranker = (*Reranker)(nil)

// Reranker implements reranker.Reranker using an Infinity/TEI instance.
type Reranker struct {
	endpoint   string
	apiKey     string
	modelName  string
	topN       int
	httpClient *http.Client
}

// Option configures Reranker.
type Option func(*Reranker)

// WithAPIKey sets the API key (optional for self-hosted).
func WithAPIKey(key string) Option {
	return func(r *Reranker) {
		r.apiKey = key
	}
}

// WithModel sets the model name (optional, depends on server config).
func WithModel(model string) Option {
	return func(r *Reranker) {
		r.modelName = model
	}
}

// WithTopN limits how many results are returned. Zero or negative means no
// limit, and top_n is then left out of the request entirely.
func WithTopN(n int) Option {
	return func(r *Reranker) {
		if n < 0 {
			n = 0
		}
		r.topN = n
	}
}

// WithEndpoint sets the endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(r *Reranker) {
		r.endpoint = endpoint
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reranker) {
		r.httpClient = client
	}
}

// New creates a new Infinity reranker.
func New(opts ...Option) *Reranker {
	r := &Reranker{
		endpoint:   os.Getenv(envInfinityURL),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank implements the reranker.Reranker interface.
func (r *Reranker) Rerank(
	ctx context.Context,
	query string,
	results []*reranker.Result,
) ([]*reranker.Result, error) {
	if len(results) == 0 {
		return results, nil
	}
	if r.endpoint == "" {
		return nil, fmt.Errorf("infinity: endpoint is empty")
	}

	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = res.Content
	}
	reqBody, err := json.Marshal(rerankRequest{
		Model:     r.modelName,
		Query:     query,
		Documents: docs,
		TopN:      r.topN,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	reranked := make([]*reranker.Result, 0, len(apiResp.Results))
	for _, res := range apiResp.Results {
		if res.Index < 0 || res.Index >= len(results) {
			log.Warnf("infinity: invalid index from reranker: %d", res.Index)
			continue
		}
		original := *results[res.Index]
		original.RerankScore = res.RelevanceScore
		reranked = append(reranked, &original)
	}
	sort.Slice(reranked, func(i, j int) bool {
		return reranked[i].RerankScore > reranked[j].RerankScore
	})
	if r.topN > 0 && len(reranked) > r.topN {
		reranked = reranked[:r.topN]
	}
	return reranked, nil
}

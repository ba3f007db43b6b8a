//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package reranker provides second-stage result re-ranking.
package reranker

import "context"

// Result is a rankable search result.
type Result struct {
	// ID identifies the underlying record.
	ID string
	// Content is the result text handed to the cross-encoder.
	Content string
	// Score is the first-stage relevance score.
	Score float64
	// RerankScore is filled in by the reranker.
	RerankScore float64
}

// Reranker re-orders search results by cross-encoder relevance.
type Reranker interface {
	// Rerank scores results against the query and returns them sorted by
	// descending rerank score.
	Rerank(ctx context.Context, query string, results []*Result) ([]*Result, error)
}

//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

package pgvector

import (
	"trpc.group/trpc-go/trpc-cogmem-go/embedder"
	"trpc.group/trpc-go/trpc-cogmem-go/reranker"
)

const (
	// defaultIndexDimension matches text-embedding-3-small.
	defaultIndexDimension = 1536
	// defaultSearchLimit is the first-stage candidate count.
	defaultSearchLimit = 50
	// defaultRerankTopK is the number of results kept after reranking.
	defaultRerankTopK = 10

	// defaultSemanticWeight and defaultKeywordWeight combine the two
	// first-stage scores.
	defaultSemanticWeight = 0.7
	defaultKeywordWeight  = 0.3

	// highSelectivityEfSearch widens the HNSW scan for filtered queries.
	highSelectivityEfSearch = 200

	envDatabaseURL = "DATABASE_URL"
)

// ServiceOpts is the options for the pgvector memory service.
type ServiceOpts struct {
	// dsn is the postgres connection string. Has the highest priority.
	dsn string
	// instanceName selects builder options registered in the storage registry.
	instanceName string
	// extraOptions is forwarded to custom storage client builders.
	extraOptions []any

	// embedder generates embeddings for stored and queried text. Required.
	embedder embedder.Embedder
	// reranker is the optional second-stage cross-encoder.
	reranker reranker.Reranker
	// indexDimension is the embedding dimension enforced on writes.
	indexDimension int
	// searchLimit is the default first-stage candidate count.
	searchLimit int
	// rerankTopK caps reranked results.
	rerankTopK int
	// skipDBInit skips table, index and function creation.
	skipDBInit bool
}

// ServiceOpt is the option for the pgvector memory service.
type ServiceOpt func(*ServiceOpts)

var defaultServiceOpts = ServiceOpts{
	indexDimension: defaultIndexDimension,
	searchLimit:    defaultSearchLimit,
	rerankTopK:     defaultRerankTopK,
}

// WithDSN sets the postgres connection string directly.
// When unset, the DATABASE_URL environment variable is used.
func WithDSN(dsn string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.dsn = dsn
	}
}

// WithInstanceName uses builder options registered under the given
// storage instance name.
func WithInstanceName(name string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.instanceName = name
	}
}

// WithExtraOptions forwards extra options to a custom storage client builder.
func WithExtraOptions(extraOptions ...any) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.extraOptions = append(opts.extraOptions, extraOptions...)
	}
}

// WithEmbedder sets the embedder. Required.
func WithEmbedder(e embedder.Embedder) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.embedder = e
	}
}

// WithReranker enables second-stage reranking.
func WithReranker(r reranker.Reranker) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.reranker = r
	}
}

// WithIndexDimension sets the embedding dimension of the schema.
func WithIndexDimension(dim int) ServiceOpt {
	return func(opts *ServiceOpts) {
		if dim > 0 {
			opts.indexDimension = dim
		}
	}
}

// WithSearchLimit sets the default first-stage candidate count.
func WithSearchLimit(limit int) ServiceOpt {
	return func(opts *ServiceOpts) {
		if limit > 0 {
			opts.searchLimit = limit
		}
	}
}

// WithRerankTopK caps the number of reranked results.
func WithRerankTopK(k int) ServiceOpt {
	return func(opts *ServiceOpts) {
		if k > 0 {
			opts.rerankTopK = k
		}
	}
}

// WithSkipDBInit skips database initialization.
func WithSkipDBInit(skip bool) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.skipDBInit = skip
	}
}

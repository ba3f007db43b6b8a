//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package embedder provides the text embedding contract.
package embedder

import "context"

// Embedder generates vector embeddings for text.
type Embedder interface {
	// GetEmbedding returns the embedding vector for the given text.
	GetEmbedding(ctx context.Context, text string) ([]float64, error)
	// GetDimensions returns the dimensionality of produced vectors.
	GetDimensions() int
}

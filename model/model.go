//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package model defines the language model contract used by the engine.
package model

import "context"

// Model generates text from a prompt. Implementations wrap a provider SDK.
type Model interface {
	// GenerateContent returns the model's completion for the prompt.
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package openai provides an OpenAI-backed model implementation.
package openai

import (
	"context"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"trpc.group/trpc-go/trpc-cogmem-go/model"
)

var _ model.Model = (*Model)(nil)

// DefaultModel is the default chat model.
const DefaultModel = "gpt-4o-mini"

// Model implements model.Model over the OpenAI chat completions API.
type Model struct {
	client openai.Client
	name   string

	apiKey  string
	baseURL string
}

// Option configures the model.
type Option func(*Model)

// WithModel sets the chat model name.
func WithModel(name string) Option {
	return func(m *Model) {
		m.name = name
	}
}

// WithAPIKey sets the API key. Defaults to the OPENAI_API_KEY environment variable.
func WithAPIKey(apiKey string) Option {
	return func(m *Model) {
		m.apiKey = apiKey
	}
}

// WithBaseURL sets the base URL, for OpenAI-compatible APIs.
func WithBaseURL(baseURL string) Option {
	return func(m *Model) {
		m.baseURL = baseURL
	}
}

// New creates an OpenAI model.
func New(opts ...Option) *Model {
	m := &Model{name: DefaultModel}
	for _, opt := range opts {
		opt(m)
	}
	var clientOpts []option.RequestOption
	if m.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(m.apiKey))
	}
	if m.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(m.baseURL))
	}
	m.client = openai.NewClient(clientOpts...)
	return m
}

// GenerateContent returns the completion text for the prompt.
func (m *Model) GenerateContent(ctx context.Context, prompt string) (string, error) {
	completion, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(m.name),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(prompt),
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

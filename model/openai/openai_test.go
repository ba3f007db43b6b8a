//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateContent(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]any{
						"role":    "assistant",
						"content": "Final Answer: 42",
					},
					"finish_reason": "stop",
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	m := New(WithBaseURL(srv.URL), WithAPIKey("test"), WithModel("gpt-4o-mini"))
	out, err := m.GenerateContent(context.Background(), "the question")
	require.NoError(t, err)
	require.Equal(t, "Final Answer: 42", out)

	require.Equal(t, "gpt-4o-mini", gotBody["model"])
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 1)
	first := messages[0].(map[string]any)
	require.Equal(t, "user", first["role"])
	require.Equal(t, "the question", first["content"])
}

func TestGenerateContent_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "choices": []any{},
		})
	}))
	t.Cleanup(srv.Close)

	m := New(WithBaseURL(srv.URL), WithAPIKey("test"))
	_, err := m.GenerateContent(context.Background(), "prompt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestGenerateContent_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	m := New(WithBaseURL(srv.URL), WithAPIKey("test"))
	_, err := m.GenerateContent(context.Background(), "prompt")
	require.Error(t, err)
}

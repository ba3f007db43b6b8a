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
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-cogmem-go/memory"
)

func TestAssemble(t *testing.T) {
	svc, mock := newTestService(t)
	a := NewContextAssembler(svc)

	memRows := sqlmock.NewRows([]string{"id", "content", "retention_score", "similarity"}).
		AddRow("m-1", "user likes green tea", 0.9, 0.8).
		AddRow("m-2", "user visited Hangzhou", 0.5, 0.6)
	mock.ExpectQuery(assembleMemoriesQuery).WillReturnRows(memRows)
	mock.ExpectExec(recordBatchAccessQuery).WillReturnResult(sqlmock.NewResult(0, 2))

	// Newest first, as the query returns them.
	histRows := sqlmock.NewRows([]string{"author", "content"}).
		AddRow("agent", []byte(`{"text":"80 degrees"}`)).
		AddRow("user", []byte(`{"text":"how hot for green tea"}`))
	mock.ExpectQuery(assembleHistoryQuery).WithArgs("t-1").WillReturnRows(histRows)

	factRows := sqlmock.NewRows([]string{"id", "fact_type", "key", "value", "relevance"}).
		AddRow("f-1", "preference", "tea_preference", []byte(`{"kind":"green"}`), 0.85)
	mock.ExpectQuery(assembleFactsQuery).WillReturnRows(factRows)

	window, err := a.Assemble(context.Background(),
		"user-1", "app-1", "t-1", "green tea", "You are a helpful assistant.")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, window.Items, 6)
	require.Equal(t, "system", window.Items[0].ContextType)
	require.Equal(t, "memory", window.Items[1].ContextType)
	require.Equal(t, "memory", window.Items[2].ContextType)
	require.Equal(t, "history", window.Items[3].ContextType)
	require.Equal(t, "history", window.Items[4].ContextType)
	require.Equal(t, "fact", window.Items[5].ContextType)

	// Relevance of a memory item is similarity weighted by retention.
	require.InDelta(t, 0.9*0.8, window.Items[1].RelevanceScore, 1e-9)

	// History replays oldest first.
	require.Equal(t, "[user]: how hot for green tea", window.Items[3].Content)
	require.Equal(t, "[agent]: 80 degrees", window.Items[4].Content)

	require.Equal(t, "[preference] tea_preference: {\"kind\":\"green\"}", window.Items[5].Content)

	require.Positive(t, window.TotalTokens)
	require.InDelta(t, float64(window.TotalTokens)/float64(defaultMaxContextTokens),
		window.BudgetUsed, 1e-9)
}

func TestAssemble_SectionBudgetCapsMemories(t *testing.T) {
	svc, mock := newTestService(t)
	// 100 total tokens leave 30 for memories. The first row costs about 13
	// tokens, the second would push the section past its budget.
	a := NewContextAssembler(svc, WithMaxContextTokens(100))

	long := strings.Repeat("memory text ", 10)
	memRows := sqlmock.NewRows([]string{"id", "content", "retention_score", "similarity"}).
		AddRow("m-1", "user likes green tea, oolong and pu-erh", 0.9, 0.8).
		AddRow("m-2", long, 0.9, 0.7)
	mock.ExpectQuery(assembleMemoriesQuery).WillReturnRows(memRows)
	mock.ExpectExec(recordBatchAccessQuery).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(assembleHistoryQuery).
		WillReturnRows(sqlmock.NewRows([]string{"author", "content"}))
	mock.ExpectQuery(assembleFactsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"id", "fact_type", "key", "value", "relevance"}))

	window, err := a.Assemble(context.Background(), "user-1", "app-1", "t-1", "tea", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, window.Items, 1)
	require.Equal(t, "memory", window.Items[0].ContextType)
	require.Equal(t, "m-1", window.Items[0].Metadata["memory_id"])
}

func TestAssemble_OversizedSystemPromptSkipped(t *testing.T) {
	svc, mock := newTestService(t)
	a := NewContextAssembler(svc, WithMaxContextTokens(40))

	mock.ExpectQuery(assembleMemoriesQuery).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content", "retention_score", "similarity"}))
	mock.ExpectQuery(assembleHistoryQuery).
		WillReturnRows(sqlmock.NewRows([]string{"author", "content"}))
	mock.ExpectQuery(assembleFactsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"id", "fact_type", "key", "value", "relevance"}))

	// 4 tokens fit in the system share of a 40 token budget, this prompt
	// does not.
	window, err := a.Assemble(context.Background(),
		"user-1", "app-1", "t-1", "tea", strings.Repeat("long system prompt ", 5))
	require.NoError(t, err)
	require.Empty(t, window.Items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendItem_TotalBudget(t *testing.T) {
	a := &ContextAssembler{maxTokens: 10}
	window := &memory.ContextWindow{}

	a.appendItem(window, memory.ContextItem{ContextType: "memory", TokenEstimate: 6})
	a.appendItem(window, memory.ContextItem{ContextType: "memory", TokenEstimate: 6})
	a.appendItem(window, memory.ContextItem{ContextType: "memory", TokenEstimate: 4})

	require.Len(t, window.Items, 2)
	require.Equal(t, 10, window.TotalTokens)
}

func TestFormat_SectionOrder(t *testing.T) {
	window := &memory.ContextWindow{
		Items: []memory.ContextItem{
			{ContextType: "history", Content: "[user]: hi"},
			{ContextType: "system", Content: "You are helpful."},
			{ContextType: "fact", Content: "[preference] tea: green"},
			{ContextType: "memory", Content: "likes tea"},
		},
	}
	got := Format(window)
	parts := strings.Split(got, "\n\n")
	require.Equal(t, []string{
		"You are helpful.",
		"## 用户偏好",
		"[preference] tea: green",
		"## 相关记忆",
		"likes tea",
		"## 对话历史",
		"[user]: hi",
	}, parts)
}

func TestFormat_EmptySectionsOmitted(t *testing.T) {
	window := &memory.ContextWindow{
		Items: []memory.ContextItem{
			{ContextType: "memory", Content: "likes tea"},
		},
	}
	got := Format(window)
	require.NotContains(t, got, "## 用户偏好")
	require.NotContains(t, got, "## 对话历史")
	require.Contains(t, got, "## 相关记忆")
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 1, estimateTokens(""))
	require.Equal(t, 1, estimateTokens("abc"))
	require.Equal(t, 2, estimateTokens("abcd"))
	require.Equal(t, 26, estimateTokens(strings.Repeat("x", 100)))
}

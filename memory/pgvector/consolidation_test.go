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
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-cogmem-go/memory"
)

// stubModel replays scripted responses in order.
type stubModel struct {
	responses []string
	prompts   []string
	next      int
}

func (m *stubModel) GenerateContent(_ context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.next >= len(m.responses) {
		return "", nil
	}
	out := m.responses[m.next]
	m.next++
	return out, nil
}

func newTestWorker(t *testing.T, responses ...string) (*ConsolidationWorker, *stubModel, sqlmock.Sqlmock) {
	t.Helper()
	svc, mock := newTestService(t)
	m := &stubModel{responses: responses}
	w, err := NewConsolidationWorker(svc, m, WithPoolSize(1))
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, m, mock
}

func expectJobStart(mock sqlmock.Sqlmock, threadID string, events *sqlmock.Rows) {
	mock.ExpectQuery(insertJobQuery).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(updateJobStatusQuery).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(getThreadInfoQuery).
		WithArgs(threadID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "app_name"}).AddRow("user-1", "app-1"))
	mock.ExpectQuery(getRecentEventsQuery).
		WithArgs(threadID, recentEventLimit).
		WillReturnRows(events)
}

func TestConsolidate_FastReplay(t *testing.T) {
	w, m, mock := newTestWorker(t, "用户询问了绿茶的冲泡温度，助手建议 80 度。")

	events := sqlmock.NewRows([]string{"author", "content"}).
		AddRow("agent", []byte(`{"text":"建议 80 度"}`)).
		AddRow("user", []byte(`{"text":"绿茶用多少度的水"}`))
	expectJobStart(mock, "t-1", events)
	mock.ExpectQuery(insertMemoryQuery).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(updateJobStatusQuery).WillReturnResult(sqlmock.NewResult(0, 1))

	job, err := w.Consolidate(context.Background(), "t-1", memory.JobTypeFastReplay)
	require.NoError(t, err)
	require.Equal(t, memory.JobStatusCompleted, job.Status)

	summary, ok := job.Result["summary"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "用户询问了绿茶的冲泡温度，助手建议 80 度。", summary["content"])
	require.NotEmpty(t, summary["memory_id"])

	// The replay prompt sees the conversation oldest first.
	require.Len(t, m.prompts, 1)
	userIdx := strings.Index(m.prompts[0], "用户: 绿茶用多少度的水")
	agentIdx := strings.Index(m.prompts[0], "助手: 建议 80 度")
	require.Greater(t, userIdx, -1)
	require.Greater(t, agentIdx, userIdx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidate_DeepReflection(t *testing.T) {
	response := "```json\n" + `{
		"facts": [
			{"type": "preference", "key": "tea_preference",
			 "value": {"kind": "green"}, "confidence": 0.9}
		],
		"insights": [
			{"content": "用户对茶文化有浓厚兴趣", "importance": "high"}
		]
	}` + "\n```"
	w, _, mock := newTestWorker(t, response)

	events := sqlmock.NewRows([]string{"author", "content"}).
		AddRow("user", []byte(`{"text":"我只喝绿茶"}`))
	expectJobStart(mock, "t-1", events)
	mock.ExpectQuery(upsertFactQuery).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fact-1"))
	mock.ExpectQuery(insertMemoryQuery).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(updateJobStatusQuery).WillReturnResult(sqlmock.NewResult(0, 1))

	job, err := w.Consolidate(context.Background(), "t-1", memory.JobTypeDeepReflection)
	require.NoError(t, err)
	require.Equal(t, memory.JobStatusCompleted, job.Status)

	facts, ok := job.Result["facts"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, facts, 1)
	require.Equal(t, "tea_preference", facts[0]["key"])

	insights, ok := job.Result["insights"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, insights, 1)
	require.Equal(t, "high", insights[0]["importance"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidate_MalformedExtractionYieldsNothing(t *testing.T) {
	w, _, mock := newTestWorker(t, "not json at all")

	events := sqlmock.NewRows([]string{"author", "content"}).
		AddRow("user", []byte(`{"text":"hi"}`))
	expectJobStart(mock, "t-1", events)
	mock.ExpectExec(updateJobStatusQuery).WillReturnResult(sqlmock.NewResult(0, 1))

	// A response the parser cannot read completes the job with empty output.
	job, err := w.Consolidate(context.Background(), "t-1", memory.JobTypeDeepReflection)
	require.NoError(t, err)
	require.Equal(t, memory.JobStatusCompleted, job.Status)
	require.Empty(t, job.Result["facts"])
	require.Empty(t, job.Result["insights"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidate_NoEvents(t *testing.T) {
	w, _, mock := newTestWorker(t)

	expectJobStart(mock, "t-1", sqlmock.NewRows([]string{"author", "content"}))
	mock.ExpectExec(updateJobStatusQuery).WillReturnResult(sqlmock.NewResult(0, 1))

	job, err := w.Consolidate(context.Background(), "t-1", memory.JobTypeFastReplay)
	require.NoError(t, err)
	require.Equal(t, memory.JobStatusCompleted, job.Status)
	require.Equal(t, "No events to consolidate", job.Result["message"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidate_ThreadNotFound(t *testing.T) {
	w, _, mock := newTestWorker(t)

	mock.ExpectQuery(insertJobQuery).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(updateJobStatusQuery).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(getThreadInfoQuery).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(updateJobStatusQuery).WillReturnResult(sqlmock.NewResult(0, 1))

	job, err := w.Consolidate(context.Background(), "missing", memory.JobTypeFastReplay)
	require.ErrorIs(t, err, memory.ErrConsolidationFailed)
	require.Equal(t, memory.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "thread not found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStripJSONFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"  ```json\n{}\n```  ", `{}`},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, stripJSONFences(tt.in))
	}
}

func TestFormatConversation(t *testing.T) {
	events := []conversationEvent{
		{author: "user", content: map[string]any{"text": "你好"}},
		{author: "agent", content: map[string]any{"text": "您好"}},
		{author: "tool", content: map[string]any{"result": 42.0}},
		{author: "system", content: map[string]any{"message": "session started"}},
	}
	got := formatConversation(events)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "用户: 你好", lines[0])
	require.Equal(t, "助手: 您好", lines[1])
	// Non-text content falls back to its JSON form, unknown authors keep
	// their raw name.
	require.Equal(t, `工具: {"result":42}`, lines[2])
	require.Equal(t, "system: session started", lines[3])
}

func TestTruncate_RuneSafe(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "一二三...", truncate("一二三四五", 3))
}

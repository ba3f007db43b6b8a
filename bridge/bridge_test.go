//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		payload  map[string]any
		wantType Type
		wantRun  string
		wantNil  bool
	}{
		{
			name: "run insert",
			payload: map[string]any{
				"table": "runs", "operation": "INSERT",
				"data": map[string]any{"id": "run-1", "thread_id": "t-1"},
			},
			wantType: TypeRunStarted,
			wantRun:  "run-1",
		},
		{
			name: "run completed",
			payload: map[string]any{
				"table": "runs", "operation": "UPDATE",
				"data": map[string]any{"id": "run-1", "status": "completed"},
			},
			wantType: TypeRunFinished,
			wantRun:  "run-1",
		},
		{
			name: "run failed carries message",
			payload: map[string]any{
				"table": "runs", "operation": "UPDATE",
				"data": map[string]any{"id": "run-1", "status": "failed", "error": "boom"},
			},
			wantType: TypeRunError,
			wantRun:  "run-1",
		},
		{
			name: "run update with unmapped status",
			payload: map[string]any{
				"table": "runs", "operation": "UPDATE",
				"data": map[string]any{"id": "run-1", "status": "running"},
			},
			wantNil: true,
		},
		{
			name: "message event",
			payload: map[string]any{
				"table": "events", "operation": "INSERT",
				"data": map[string]any{
					"id": "ev-1", "thread_id": "t-1", "event_type": "message",
					"content": map[string]any{"text": "hello"},
				},
			},
			wantType: TypeTextMessageContent,
			wantRun:  "t-1",
		},
		{
			name: "tool call event",
			payload: map[string]any{
				"table": "events", "operation": "INSERT",
				"data": map[string]any{
					"id": "ev-2", "thread_id": "t-1", "event_type": "tool_call",
					"content": map[string]any{"tool_name": "search"},
				},
			},
			wantType: TypeToolCallStart,
			wantRun:  "t-1",
		},
		{
			name: "thread state update",
			payload: map[string]any{
				"table": "threads", "operation": "UPDATE",
				"data": map[string]any{"id": "t-1", "state": map[string]any{"k": 1.0}},
			},
			wantType: TypeStateDelta,
			wantRun:  "t-1",
		},
		{
			name: "unknown table dropped",
			payload: map[string]any{
				"table": "other", "operation": "INSERT",
				"data": map[string]any{"id": "x"},
			},
			wantNil: true,
		},
		{
			name:    "missing data dropped",
			payload: map[string]any{"table": "runs", "operation": "INSERT"},
			wantNil: true,
		},
		{
			name: "unknown event type dropped",
			payload: map[string]any{
				"table": "events", "operation": "INSERT",
				"data": map[string]any{"id": "ev-3", "thread_id": "t-1", "event_type": "state_update"},
			},
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Translate(tt.payload)
			if tt.wantNil {
				require.Nil(t, ev)
				return
			}
			require.NotNil(t, ev)
			require.Equal(t, tt.wantType, ev.Type)
			require.Equal(t, tt.wantRun, ev.RunID)
		})
	}
}

func TestTranslate_ToolCallFields(t *testing.T) {
	ev := Translate(map[string]any{
		"table": "events", "operation": "INSERT",
		"data": map[string]any{
			"id": "ev-1", "thread_id": "t-1", "event_type": "tool_call",
			"content": map[string]any{"tool_name": "calculator"},
		},
	})
	require.NotNil(t, ev)
	require.Equal(t, "ev-1", ev.Data["toolCallId"])
	require.Equal(t, "calculator", ev.Data["toolCallName"])
}

func TestTranslate_StateDeltaFields(t *testing.T) {
	ev := Translate(map[string]any{
		"table": "threads", "operation": "UPDATE",
		"data": map[string]any{"id": "t-1", "state": map[string]any{"step": 2.0}},
	})
	require.NotNil(t, ev)
	require.Equal(t, TypeStateDelta, ev.Type)
	require.Equal(t, "t-1", ev.Data["threadId"])
	// Consumers read the state change from the delta field.
	require.Equal(t, map[string]any{"step": 2.0}, ev.Data["delta"])
	_, hasState := ev.Data["state"]
	require.False(t, hasState)
}

func TestSubscribe_TerminalEventClosesStream(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := b.Subscribe(ctx, "run-1")
	require.Equal(t, 1, b.SubscriberCount("run-1"))

	b.Publish(newEvent(TypeTextMessageContent, "run-1", map[string]any{"delta": "hi"}))
	b.Publish(newEvent(TypeRunFinished, "run-1", nil))

	first := <-stream
	require.Equal(t, TypeTextMessageContent, first.Type)
	second := <-stream
	require.Equal(t, TypeRunFinished, second.Type)

	_, open := <-stream
	require.False(t, open)

	// The run entry is purged once the last subscriber leaves.
	require.Eventually(t, func() bool {
		return b.SubscriberCount("run-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribe_ContextCancelClosesStream(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	stream := b.Subscribe(ctx, "run-1")
	cancel()

	select {
	case _, open := <-stream:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestSubscribe_HeartbeatOnIdle(t *testing.T) {
	b := New(WithHeartbeatInterval(20 * time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := b.Subscribe(ctx, "run-1")
	select {
	case ev := <-stream:
		require.Equal(t, TypeCustom, ev.Type)
		require.Equal(t, "heartbeat", ev.Data["name"])
	case <-time.After(time.Second):
		t.Fatal("no heartbeat emitted")
	}
}

func TestPublish_FullQueueDrops(t *testing.T) {
	b := New(WithQueueSize(1), WithHeartbeatInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := b.Subscribe(ctx, "run-1")

	// Nobody reads the stream yet: the first event occupies the internal
	// queue slot, later ones are dropped.
	for i := 0; i < 10; i++ {
		b.Publish(newEvent(TypeTextMessageContent, "run-1", map[string]any{"i": i}))
	}

	first := <-stream
	require.Equal(t, TypeTextMessageContent, first.Type)

	cancel()
	for range stream {
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	b := New()
	b.Publish(newEvent(TypeRunStarted, "run-without-subs", nil))
	require.Equal(t, 0, b.SubscriberCount("run-without-subs"))
}

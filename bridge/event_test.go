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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventMarshalJSON_FlattensData(t *testing.T) {
	ev := &Event{
		Type:      TypeTextMessageContent,
		RunID:     "run-1",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Data:      map[string]any{"messageId": "m-1", "delta": "hi"},
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "TEXT_MESSAGE_CONTENT", decoded["type"])
	require.Equal(t, "run-1", decoded["runId"])
	require.Equal(t, "m-1", decoded["messageId"])
	require.Equal(t, "hi", decoded["delta"])
	require.Equal(t, "2025-06-01T12:00:00Z", decoded["timestamp"])
}

func TestEventSSE_Framing(t *testing.T) {
	ev := newEvent(TypeRunStarted, "run-1", nil)
	frame := ev.SSE()
	require.True(t, strings.HasPrefix(frame, "data: "))
	require.True(t, strings.HasSuffix(frame, "\n\n"))

	var decoded map[string]any
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	require.Equal(t, "RUN_STARTED", decoded["type"])
}

func TestEventIsTerminal(t *testing.T) {
	require.True(t, newEvent(TypeRunFinished, "r", nil).IsTerminal())
	require.True(t, newEvent(TypeRunError, "r", nil).IsTerminal())
	require.False(t, newEvent(TypeTextMessageContent, "r", nil).IsTerminal())
	require.False(t, NewHeartbeat("r").IsTerminal())
}

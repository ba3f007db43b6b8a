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
	"time"
)

// Type is the stream event type, following the AG-UI vocabulary.
type Type string

// Stream event types.
const (
	TypeRunStarted         Type = "RUN_STARTED"
	TypeRunFinished        Type = "RUN_FINISHED"
	TypeRunError           Type = "RUN_ERROR"
	TypeTextMessageStart   Type = "TEXT_MESSAGE_START"
	TypeTextMessageContent Type = "TEXT_MESSAGE_CONTENT"
	TypeTextMessageEnd     Type = "TEXT_MESSAGE_END"
	TypeToolCallStart      Type = "TOOL_CALL_START"
	TypeToolCallArgs       Type = "TOOL_CALL_ARGS"
	TypeToolCallEnd        Type = "TOOL_CALL_END"
	TypeStateDelta         Type = "STATE_DELTA"
	TypeStateSnapshot      Type = "STATE_SNAPSHOT"
	TypeMessagesSnapshot   Type = "MESSAGES_SNAPSHOT"
	TypeCustom             Type = "CUSTOM"
)

// Event is one stream event delivered to run subscribers.
type Event struct {
	// Type is the event type.
	Type Type
	// RunID identifies the run this event belongs to.
	RunID string
	// Timestamp is when the event was created.
	Timestamp time.Time
	// Data carries type-specific fields, flattened into the JSON encoding.
	Data map[string]any
}

// MarshalJSON flattens Data next to the type, runId and timestamp fields.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = string(e.Type)
	out["runId"] = e.RunID
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// SSE renders the event as a server-sent-events frame.
func (e *Event) SSE() string {
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return "data: " + string(b) + "\n\n"
}

// IsTerminal reports whether the event ends its run's stream.
func (e *Event) IsTerminal() bool {
	return e.Type == TypeRunFinished || e.Type == TypeRunError
}

// newEvent creates an event stamped with the current time.
func newEvent(t Type, runID string, data map[string]any) *Event {
	return &Event{Type: t, RunID: runID, Timestamp: time.Now(), Data: data}
}

// NewHeartbeat creates the keepalive event emitted on idle streams.
func NewHeartbeat(runID string) *Event {
	return newEvent(TypeCustom, runID, map[string]any{"name": "heartbeat"})
}

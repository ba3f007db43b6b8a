//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package event defines the immutable event records appended to a thread.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event authors.
const (
	AuthorUser   = "user"
	AuthorAgent  = "agent"
	AuthorTool   = "tool"
	AuthorSystem = "system"
)

// Event types.
const (
	TypeMessage     = "message"
	TypeToolCall    = "tool_call"
	TypeToolResult  = "tool_result"
	TypeStateUpdate = "state_update"
)

// Event is a single record in a thread's append-only log.
//
// StateDelta carries the state mutation attached to this event. Keys may be
// scoped with the session package's user:/app:/temp: prefixes; unscoped keys
// apply to the thread state itself.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`
	// ThreadID is the thread this event belongs to.
	ThreadID string `json:"thread_id"`
	// InvocationID groups events produced by one agent invocation.
	InvocationID string `json:"invocation_id,omitempty"`
	// Author identifies who produced the event: user, agent, tool or system.
	Author string `json:"author"`
	// EventType is the kind of event: message, tool_call, tool_result, state_update.
	EventType string `json:"event_type"`
	// Content is the event payload.
	Content map[string]any `json:"content,omitempty"`
	// StateDelta is the state mutation to overlay, if any.
	StateDelta map[string]json.RawMessage `json:"state_delta,omitempty"`
	// SequenceNum is the per-thread monotonic sequence number, assigned on append.
	SequenceNum int64 `json:"sequence_num,omitempty"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Option configures a new event.
type Option func(*Event)

// WithInvocationID sets the invocation id.
func WithInvocationID(invocationID string) Option {
	return func(e *Event) {
		e.InvocationID = invocationID
	}
}

// WithStateDelta attaches a state delta to the event.
func WithStateDelta(delta map[string]json.RawMessage) Option {
	return func(e *Event) {
		e.StateDelta = delta
	}
}

// New creates an event with a generated id and timestamp.
func New(threadID, author, eventType string, content map[string]any, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Author:    author,
		EventType: eventType,
		Content:   content,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMessage creates a message event carrying text.
func NewMessage(threadID, author, text string, opts ...Option) *Event {
	return New(threadID, author, TypeMessage, map[string]any{"text": text}, opts...)
}

// NewToolCall creates a tool_call event.
func NewToolCall(threadID, toolName string, args map[string]any, opts ...Option) *Event {
	return New(threadID, AuthorAgent, TypeToolCall, map[string]any{
		"tool_name": toolName,
		"args":      args,
	}, opts...)
}

// IsStateMutating reports whether the event carries a state delta.
func (e *Event) IsStateMutating() bool {
	return len(e.StateDelta) > 0
}

// Text returns the message text, or the empty string for non-message payloads.
func (e *Event) Text() string {
	if e.Content == nil {
		return ""
	}
	if s, ok := e.Content["text"].(string); ok {
		return s
	}
	return ""
}

//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package session provides thread-scoped conversation state management.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-cogmem-go/event"
)

// State key scope prefixes. Keys without a prefix live in the thread state.
const (
	// StateUserPrefix scopes a key to the user across threads of one app.
	StateUserPrefix = "user:"
	// StateAppPrefix scopes a key to the whole app.
	StateAppPrefix = "app:"
	// StateTempPrefix scopes a key to the process; temp state is never persisted.
	StateTempPrefix = "temp:"
)

// State scopes as returned by ParseStateKey.
const (
	ScopeSession = "session"
	ScopeUser    = "user"
	ScopeApp     = "app"
	ScopeTemp    = "temp"
)

var (
	// ErrAppNameRequired is returned when the app name is empty.
	ErrAppNameRequired = errors.New("appName is required")
	// ErrUserIDRequired is returned when the user id is empty.
	ErrUserIDRequired = errors.New("userID is required")
	// ErrSessionIDRequired is returned when the session id is empty.
	ErrSessionIDRequired = errors.New("sessionID is required")
	// ErrSessionNotFound is returned when the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStateKeyNotFound is returned when a state key does not exist in its scope.
	ErrStateKeyNotFound = errors.New("state key not found")
	// ErrConcurrencyConflict is returned when an optimistic version check fails.
	ErrConcurrencyConflict = errors.New("concurrency conflict: session version changed")
	// ErrEventRequired is returned when a nil event is appended.
	ErrEventRequired = errors.New("event is required")
)

// StateMap is the JSON state of one scope, keyed by bare state key.
type StateMap map[string]json.RawMessage

// Clone returns a shallow copy of the state map.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ParseStateKey splits a possibly prefixed state key into its scope and bare key.
func ParseStateKey(key string) (scope string, bareKey string) {
	switch {
	case strings.HasPrefix(key, StateUserPrefix):
		return ScopeUser, key[len(StateUserPrefix):]
	case strings.HasPrefix(key, StateAppPrefix):
		return ScopeApp, key[len(StateAppPrefix):]
	case strings.HasPrefix(key, StateTempPrefix):
		return ScopeTemp, key[len(StateTempPrefix):]
	default:
		return ScopeSession, key
	}
}

// Key identifies a session by app name, user id and session id.
type Key struct {
	// AppName is the name of the application.
	AppName string
	// UserID is the id of the user.
	UserID string
	// SessionID is the id of the session (thread).
	SessionID string
}

// CheckSessionKey validates that all parts of the key are present.
func (k Key) CheckSessionKey() error {
	if err := k.CheckUserKey(); err != nil {
		return err
	}
	if k.SessionID == "" {
		return ErrSessionIDRequired
	}
	return nil
}

// CheckUserKey validates the app name and user id parts of the key.
func (k Key) CheckUserKey() error {
	if k.AppName == "" {
		return ErrAppNameRequired
	}
	if k.UserID == "" {
		return ErrUserIDRequired
	}
	return nil
}

// Session is the in-memory view of a thread row and its recent events.
type Session struct {
	// ID is the thread id.
	ID string `json:"id"`
	// AppName is the name of the application.
	AppName string `json:"appName"`
	// UserID is the id of the user.
	UserID string `json:"userID"`
	// State holds the thread-scoped state.
	State StateMap `json:"state"`
	// Version is the optimistic concurrency version, starting at 1.
	Version int64 `json:"version"`
	// Events holds the loaded events, oldest first.
	Events []event.Event `json:"events"`
	// UpdatedAt is the last update timestamp.
	UpdatedAt time.Time `json:"updatedAt"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"createdAt"`
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one agent run over a thread. Run row changes feed the event stream.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options holds read options for session queries.
type Options struct {
	// EventNum limits the number of recent events loaded with the session.
	EventNum int
	// EventTime filters events created after the given time.
	EventTime time.Time
}

// Option is a functional option for session queries.
type Option func(*Options)

// WithEventNum limits the number of recent events to load.
func WithEventNum(num int) Option {
	return func(opts *Options) {
		opts.EventNum = num
	}
}

// WithEventTime loads only events created after the given time.
func WithEventTime(t time.Time) Option {
	return func(opts *Options) {
		opts.EventTime = t
	}
}

// Service is the interface for the session engine.
type Service interface {
	// CreateSession creates a new session. An empty key.SessionID generates one.
	CreateSession(ctx context.Context, key Key, state StateMap) (*Session, error)
	// GetSession gets a session with its recent events.
	GetSession(ctx context.Context, key Key, opts ...Option) (*Session, error)
	// ListSessions lists the sessions of a user, most recently updated first.
	ListSessions(ctx context.Context, userKey Key) ([]*Session, error)
	// DeleteSession deletes a session. Deleting a missing session is a no-op.
	DeleteSession(ctx context.Context, key Key) error

	// AppendEvent atomically appends an event and applies its state delta.
	// Returns ErrConcurrencyConflict if the session version moved underneath.
	AppendEvent(ctx context.Context, sess *Session, e *event.Event) error
	// UpdateSessionState overlays delta onto the session state, recording the
	// change as a state_update event and retrying version conflicts with
	// backoff.
	UpdateSessionState(ctx context.Context, key Key, delta StateMap) (*Session, error)

	// SetState writes a single state value, routed by key prefix.
	SetState(ctx context.Context, key Key, stateKey string, value any) error
	// GetState reads a single state value, routed by key prefix.
	GetState(ctx context.Context, key Key, stateKey string) (json.RawMessage, error)
	// DeleteState removes a single state value. Missing keys are a no-op.
	DeleteState(ctx context.Context, key Key, stateKey string) error
	// GetAllState merges session, user, app and temp state with re-prefixed keys.
	GetAllState(ctx context.Context, key Key) (StateMap, error)

	// StartRun records the start of a run over a thread.
	StartRun(ctx context.Context, threadID, runID string) (*Run, error)
	// CompleteRun marks a run as completed.
	CompleteRun(ctx context.Context, runID string) error
	// FailRun marks a run as failed with an error message.
	FailRun(ctx context.Context, runID string, errMsg string) error

	// Close releases resources held by the service.
	Close() error
}

// MarshalStateValue encodes a state value to its JSON form.
func MarshalStateValue(value any) (json.RawMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal state value failed: %w", err)
	}
	return b, nil
}

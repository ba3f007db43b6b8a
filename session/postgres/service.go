//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package postgres provides the PostgreSQL-backed session engine.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"trpc.group/trpc-go/trpc-cogmem-go/event"
	"trpc.group/trpc-go/trpc-cogmem-go/log"
	"trpc.group/trpc-go/trpc-cogmem-go/session"
	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

var _ session.Service = (*Service)(nil)

// cleanupRetention is how long soft-deleted threads are kept before purging.
const cleanupRetention = 24 * time.Hour

const (
	getThreadQuery = `SELECT id, app_name, user_id, state, version, created_at, updated_at
FROM threads
WHERE id = $1 AND app_name = $2 AND user_id = $3 AND deleted_at IS NULL`

	listThreadsQuery = `SELECT id, app_name, user_id, state, version, created_at, updated_at
FROM threads
WHERE app_name = $1 AND user_id = $2 AND deleted_at IS NULL
ORDER BY updated_at DESC`

	insertThreadQuery = `INSERT INTO threads (id, app_name, user_id, state, version)
VALUES ($1, $2, $3, $4, 1)
RETURNING created_at, updated_at`

	// updateThreadStateQuery is the optimistic concurrency gate: the version
	// predicate ensures at most one writer wins per version.
	updateThreadStateQuery = `UPDATE threads
SET state = $1, version = version + 1, updated_at = NOW()
WHERE id = $2 AND version = $3 AND deleted_at IS NULL
RETURNING version`

	insertEventQuery = `INSERT INTO events
(id, thread_id, invocation_id, author, event_type, content, state_delta, sequence_num)
VALUES ($1, $2, $3, $4, $5, $6, $7,
	(SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM events WHERE thread_id = $2))
RETURNING sequence_num, created_at`

	getEventsQuery = `SELECT id, thread_id, COALESCE(invocation_id, ''), author, event_type,
content, state_delta, sequence_num, created_at
FROM events
WHERE thread_id = $1
ORDER BY sequence_num DESC
LIMIT $2`

	getEventsAfterQuery = `SELECT id, thread_id, COALESCE(invocation_id, ''), author, event_type,
content, state_delta, sequence_num, created_at
FROM events
WHERE thread_id = $1 AND created_at > $2
ORDER BY sequence_num DESC
LIMIT $3`

	upsertUserStateQuery = `INSERT INTO user_states (user_id, app_name, state)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (user_id, app_name)
DO UPDATE SET state = user_states.state || EXCLUDED.state, updated_at = NOW()`

	upsertAppStateQuery = `INSERT INTO app_states (app_name, state)
VALUES ($1, $2::jsonb)
ON CONFLICT (app_name)
DO UPDATE SET state = app_states.state || EXCLUDED.state, updated_at = NOW()`

	getUserStateQuery = `SELECT state FROM user_states WHERE user_id = $1 AND app_name = $2`
	getAppStateQuery  = `SELECT state FROM app_states WHERE app_name = $1`

	deleteUserStateKeyQuery = `UPDATE user_states SET state = state - $3::text, updated_at = NOW()
WHERE user_id = $1 AND app_name = $2`
	deleteAppStateKeyQuery = `UPDATE app_states SET state = state - $2::text, updated_at = NOW()
WHERE app_name = $1`

	insertRunQuery = `INSERT INTO runs (id, thread_id, status)
VALUES ($1, $2, $3)
RETURNING created_at, updated_at`

	completeRunQuery = `UPDATE runs SET status = $2, updated_at = NOW() WHERE id = $1`
	failRunQuery     = `UPDATE runs SET status = $2, error = $3, updated_at = NOW() WHERE id = $1`

	purgeDeletedThreadsQuery = `DELETE FROM threads
WHERE deleted_at IS NOT NULL AND deleted_at < NOW() - make_interval(secs => $1)`
)

// tempShard holds process-local temp: state for a subset of sessions.
type tempShard struct {
	mu    sync.RWMutex
	state map[string]session.StateMap
}

// Service is the PostgreSQL implementation of session.Service.
type Service struct {
	opts       ServiceOpts
	pgClient   storage.Client
	tempShards []*tempShard

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

// NewService creates a PostgreSQL session service.
func NewService(opt ...ServiceOpt) (*Service, error) {
	opts := defaultOptions
	for _, o := range opt {
		o(&opts)
	}

	builderOpts := make([]storage.ClientBuilderOpt, 0, 2)
	if opts.instanceName != "" {
		instOpts, ok := storage.GetPostgresInstance(opts.instanceName)
		if !ok {
			return nil, fmt.Errorf("postgres instance %q is not registered", opts.instanceName)
		}
		builderOpts = append(builderOpts, instOpts...)
	}
	dsn := opts.dsn
	if dsn == "" && opts.instanceName == "" {
		dsn = os.Getenv(envDatabaseURL)
	}
	if dsn != "" {
		builderOpts = append(builderOpts, storage.WithClientConnString(dsn))
	}
	if len(opts.extraOptions) > 0 {
		builderOpts = append(builderOpts, storage.WithExtraOptions(opts.extraOptions...))
	}

	ctx := context.Background()
	builder := storage.GetClientBuilder()
	pgClient, err := builder(ctx, builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create postgres client failed: %w", err)
	}
	return newService(ctx, pgClient, opts)
}

// NewServiceWithClient creates a session service over an existing storage client.
func NewServiceWithClient(client storage.Client, opt ...ServiceOpt) (*Service, error) {
	opts := defaultOptions
	for _, o := range opt {
		o(&opts)
	}
	return newService(context.Background(), client, opts)
}

func newService(ctx context.Context, client storage.Client, opts ServiceOpts) (*Service, error) {
	if opts.tempStateShards <= 0 {
		opts.tempStateShards = defaultTempStateShards
	}
	s := &Service{
		opts:        opts,
		pgClient:    client,
		tempShards:  make([]*tempShard, opts.tempStateShards),
		cleanupDone: make(chan struct{}),
	}
	for i := range s.tempShards {
		s.tempShards[i] = &tempShard{state: make(map[string]session.StateMap)}
	}
	if !opts.skipDBInit {
		if err := initDB(ctx, client, opts.enableStreamNotify); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	if opts.cleanupInterval > 0 {
		s.startCleanupLoop()
	}
	return s, nil
}

// CreateSession creates a new session. An empty key.SessionID generates one.
func (s *Service) CreateSession(
	ctx context.Context,
	key session.Key,
	state session.StateMap,
) (*session.Session, error) {
	if err := key.CheckUserKey(); err != nil {
		return nil, err
	}
	if key.SessionID == "" {
		key.SessionID = uuid.NewString()
	}
	stateJSON, err := marshalState(state)
	if err != nil {
		return nil, err
	}
	sess := &session.Session{
		ID:      key.SessionID,
		AppName: key.AppName,
		UserID:  key.UserID,
		State:   state.Clone(),
		Version: 1,
	}
	err = s.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&sess.CreatedAt, &sess.UpdatedAt)
	}, insertThreadQuery, key.SessionID, key.AppName, key.UserID, stateJSON)
	if err != nil {
		return nil, fmt.Errorf("create session failed: %w", err)
	}
	return sess, nil
}

// GetSession gets a session with its recent events.
func (s *Service) GetSession(
	ctx context.Context,
	key session.Key,
	opt ...session.Option,
) (*session.Session, error) {
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}
	opts := session.Options{EventNum: s.opts.sessionEventLimit}
	for _, o := range opt {
		o(&opts)
	}
	sess, err := s.getSessionRow(ctx, key)
	if err != nil {
		return nil, err
	}
	events, err := s.loadEvents(ctx, key.SessionID, opts)
	if err != nil {
		return nil, err
	}
	sess.Events = events
	return sess, nil
}

// ListSessions lists the sessions of a user, most recently updated first.
// Events are not loaded.
func (s *Service) ListSessions(ctx context.Context, userKey session.Key) ([]*session.Session, error) {
	if err := userKey.CheckUserKey(); err != nil {
		return nil, err
	}
	var sessions []*session.Session
	err := s.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			sess, err := scanThread(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}
		return nil
	}, listThreadsQuery, userKey.AppName, userKey.UserID)
	if err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	return sessions, nil
}

// DeleteSession deletes a session. Deleting a missing session is a no-op.
func (s *Service) DeleteSession(ctx context.Context, key session.Key) error {
	if err := key.CheckSessionKey(); err != nil {
		return err
	}
	query := `DELETE FROM threads WHERE id = $1 AND app_name = $2 AND user_id = $3`
	if s.opts.softDelete {
		query = `UPDATE threads SET deleted_at = NOW()
WHERE id = $1 AND app_name = $2 AND user_id = $3 AND deleted_at IS NULL`
	}
	if _, err := s.pgClient.ExecContext(ctx, query, key.SessionID, key.AppName, key.UserID); err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	s.clearTempState(key.SessionID)
	return nil
}

// AppendEvent atomically appends an event to the session log and applies its
// state delta. A null value in the delta removes the key. The version
// predicate on the state update guarantees that a concurrent mutation aborts
// this append before the event row is written.
func (s *Service) AppendEvent(ctx context.Context, sess *session.Session, e *event.Event) error {
	if e == nil {
		return session.ErrEventRequired
	}
	if sess == nil {
		return session.ErrSessionNotFound
	}
	key := session.Key{AppName: sess.AppName, UserID: sess.UserID, SessionID: sess.ID}
	if err := key.CheckSessionKey(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ThreadID == "" {
		e.ThreadID = sess.ID
	}

	sessionDelta, userDelta, appDelta, tempDelta := splitDelta(e.StateDelta)

	contentJSON, err := json.Marshal(orEmptyContent(e.Content))
	if err != nil {
		return fmt.Errorf("marshal event content failed: %w", err)
	}
	persistedDelta, err := marshalPersistedDelta(e.StateDelta)
	if err != nil {
		return err
	}

	var (
		newState   session.StateMap
		newVersion int64
	)
	err = s.pgClient.Transaction(ctx, func(tx *sql.Tx) error {
		if len(sessionDelta) > 0 {
			newState = sess.State.Clone()
			for k, v := range sessionDelta {
				if isJSONNull(v) {
					delete(newState, k)
					continue
				}
				newState[k] = v
			}
			stateJSON, err := marshalState(newState)
			if err != nil {
				return err
			}
			row := tx.QueryRowContext(ctx, updateThreadStateQuery, stateJSON, sess.ID, sess.Version)
			if err := row.Scan(&newVersion); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return session.ErrConcurrencyConflict
				}
				return fmt.Errorf("update thread state failed: %w", err)
			}
		}
		if len(userDelta) > 0 {
			delta, err := marshalState(userDelta)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertUserStateQuery, sess.UserID, sess.AppName, delta); err != nil {
				return fmt.Errorf("upsert user state failed: %w", err)
			}
		}
		if len(appDelta) > 0 {
			delta, err := marshalState(appDelta)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertAppStateQuery, sess.AppName, delta); err != nil {
				return fmt.Errorf("upsert app state failed: %w", err)
			}
		}
		row := tx.QueryRowContext(ctx, insertEventQuery,
			e.ID, e.ThreadID, nullableString(e.InvocationID), e.Author, e.EventType,
			contentJSON, persistedDelta)
		if err := row.Scan(&e.SequenceNum, &e.CreatedAt); err != nil {
			return fmt.Errorf("insert event failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(tempDelta) > 0 {
		s.setTempState(sess.ID, tempDelta)
	}
	if len(sessionDelta) > 0 {
		sess.State = newState
		sess.Version = newVersion
	}
	sess.UpdatedAt = e.CreatedAt
	return nil
}

// UpdateSessionState overlays delta onto the session state. The change is
// recorded as a state_update event in the session log. Version conflicts are
// retried up to maxStateRetries times with linear backoff before the conflict
// surfaces to the caller.
func (s *Service) UpdateSessionState(
	ctx context.Context,
	key session.Key,
	delta session.StateMap,
) (*session.Session, error) {
	return s.mutateSessionState(ctx, key, func(session.StateMap) session.StateMap {
		return delta
	})
}

// mutateSessionState expresses a state change as a state_update event and
// commits it through AppendEvent, so every state mutation leaves an event row
// behind. mutate receives the current state and returns the delta to apply;
// an empty delta is a no-op. Version conflicts are retried.
func (s *Service) mutateSessionState(
	ctx context.Context,
	key session.Key,
	mutate func(state session.StateMap) session.StateMap,
) (*session.Session, error) {
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= maxStateRetries; attempt++ {
		sess, err := s.getSessionRow(ctx, key)
		if err != nil {
			return nil, err
		}
		delta := mutate(sess.State)
		if len(delta) == 0 {
			return sess, nil
		}
		e := event.New(sess.ID, event.AuthorSystem, event.TypeStateUpdate, nil,
			event.WithStateDelta(delta))
		err = s.AppendEvent(ctx, sess, e)
		if errors.Is(err, session.ErrConcurrencyConflict) {
			lastErr = err
			log.Debugf("session %s version conflict on attempt %d", key.SessionID, attempt+1)
			if attempt < maxStateRetries {
				if err := sleepBackoff(ctx, attempt); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("update session state failed: %w", err)
		}
		return sess, nil
	}
	return nil, lastErr
}

// SetState writes a single state value, routed by key prefix.
func (s *Service) SetState(ctx context.Context, key session.Key, stateKey string, value any) error {
	scope, bare := session.ParseStateKey(stateKey)
	raw, err := session.MarshalStateValue(value)
	if err != nil {
		return err
	}
	switch scope {
	case session.ScopeTemp:
		if err := key.CheckSessionKey(); err != nil {
			return err
		}
		s.setTempState(key.SessionID, session.StateMap{bare: raw})
		return nil
	case session.ScopeUser:
		if err := key.CheckUserKey(); err != nil {
			return err
		}
		delta, err := marshalState(session.StateMap{bare: raw})
		if err != nil {
			return err
		}
		if _, err := s.pgClient.ExecContext(ctx, upsertUserStateQuery, key.UserID, key.AppName, delta); err != nil {
			return fmt.Errorf("set user state failed: %w", err)
		}
		return nil
	case session.ScopeApp:
		if key.AppName == "" {
			return session.ErrAppNameRequired
		}
		delta, err := marshalState(session.StateMap{bare: raw})
		if err != nil {
			return err
		}
		if _, err := s.pgClient.ExecContext(ctx, upsertAppStateQuery, key.AppName, delta); err != nil {
			return fmt.Errorf("set app state failed: %w", err)
		}
		return nil
	default:
		_, err := s.UpdateSessionState(ctx, key, session.StateMap{bare: raw})
		return err
	}
}

// GetState reads a single state value, routed by key prefix.
func (s *Service) GetState(ctx context.Context, key session.Key, stateKey string) (json.RawMessage, error) {
	scope, bare := session.ParseStateKey(stateKey)
	switch scope {
	case session.ScopeTemp:
		if err := key.CheckSessionKey(); err != nil {
			return nil, err
		}
		raw, ok := s.getTempState(key.SessionID, bare)
		if !ok {
			return nil, session.ErrStateKeyNotFound
		}
		return raw, nil
	case session.ScopeUser:
		if err := key.CheckUserKey(); err != nil {
			return nil, err
		}
		state, err := s.loadScopedState(ctx, getUserStateQuery, key.UserID, key.AppName)
		if err != nil {
			return nil, err
		}
		return stateValue(state, bare)
	case session.ScopeApp:
		if key.AppName == "" {
			return nil, session.ErrAppNameRequired
		}
		state, err := s.loadScopedState(ctx, getAppStateQuery, key.AppName)
		if err != nil {
			return nil, err
		}
		return stateValue(state, bare)
	default:
		sess, err := s.getSessionRow(ctx, key)
		if err != nil {
			return nil, err
		}
		return stateValue(sess.State, bare)
	}
}

// DeleteState removes a single state value. Missing keys are a no-op.
func (s *Service) DeleteState(ctx context.Context, key session.Key, stateKey string) error {
	scope, bare := session.ParseStateKey(stateKey)
	switch scope {
	case session.ScopeTemp:
		if err := key.CheckSessionKey(); err != nil {
			return err
		}
		s.deleteTempState(key.SessionID, bare)
		return nil
	case session.ScopeUser:
		if err := key.CheckUserKey(); err != nil {
			return err
		}
		if _, err := s.pgClient.ExecContext(ctx, deleteUserStateKeyQuery, key.UserID, key.AppName, bare); err != nil {
			return fmt.Errorf("delete user state failed: %w", err)
		}
		return nil
	case session.ScopeApp:
		if key.AppName == "" {
			return session.ErrAppNameRequired
		}
		if _, err := s.pgClient.ExecContext(ctx, deleteAppStateKeyQuery, key.AppName, bare); err != nil {
			return fmt.Errorf("delete app state failed: %w", err)
		}
		return nil
	default:
		_, err := s.mutateSessionState(ctx, key, func(state session.StateMap) session.StateMap {
			if _, ok := state[bare]; !ok {
				return nil
			}
			return session.StateMap{bare: json.RawMessage("null")}
		})
		return err
	}
}

// GetAllState merges session, user, app and temp state. Keys from scoped
// storage come back re-prefixed so the caller sees one flat map.
func (s *Service) GetAllState(ctx context.Context, key session.Key) (session.StateMap, error) {
	if err := key.CheckSessionKey(); err != nil {
		return nil, err
	}
	sess, err := s.getSessionRow(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(session.StateMap, len(sess.State))
	for k, v := range sess.State {
		out[k] = v
	}
	userState, err := s.loadScopedState(ctx, getUserStateQuery, key.UserID, key.AppName)
	if err != nil && !errors.Is(err, session.ErrStateKeyNotFound) {
		return nil, err
	}
	for k, v := range userState {
		out[session.StateUserPrefix+k] = v
	}
	appState, err := s.loadScopedState(ctx, getAppStateQuery, key.AppName)
	if err != nil && !errors.Is(err, session.ErrStateKeyNotFound) {
		return nil, err
	}
	for k, v := range appState {
		out[session.StateAppPrefix+k] = v
	}
	for k, v := range s.snapshotTempState(key.SessionID) {
		out[session.StateTempPrefix+k] = v
	}
	return out, nil
}

// StartRun records the start of a run over a thread.
func (s *Service) StartRun(ctx context.Context, threadID, runID string) (*session.Run, error) {
	if threadID == "" {
		return nil, session.ErrSessionIDRequired
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &session.Run{ID: runID, ThreadID: threadID, Status: session.RunStatusRunning}
	err := s.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&run.CreatedAt, &run.UpdatedAt)
	}, insertRunQuery, runID, threadID, session.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("start run failed: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run as completed.
func (s *Service) CompleteRun(ctx context.Context, runID string) error {
	if _, err := s.pgClient.ExecContext(ctx, completeRunQuery, runID, session.RunStatusCompleted); err != nil {
		return fmt.Errorf("complete run failed: %w", err)
	}
	return nil
}

// FailRun marks a run as failed with an error message.
func (s *Service) FailRun(ctx context.Context, runID string, errMsg string) error {
	if _, err := s.pgClient.ExecContext(ctx, failRunQuery, runID, session.RunStatusFailed, errMsg); err != nil {
		return fmt.Errorf("fail run failed: %w", err)
	}
	return nil
}

// Close releases the storage client and stops background goroutines.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
			close(s.cleanupDone)
		}
		err = s.pgClient.Close()
	})
	return err
}

func (s *Service) startCleanupLoop() {
	s.cleanupTicker = time.NewTicker(s.opts.cleanupInterval)
	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := s.purgeDeletedThreads(ctx); err != nil {
					log.Errorf("purge deleted threads failed: %v", err)
				}
				cancel()
			case <-s.cleanupDone:
				return
			}
		}
	}()
}

func (s *Service) purgeDeletedThreads(ctx context.Context) error {
	res, err := s.pgClient.ExecContext(ctx, purgeDeletedThreadsQuery, cleanupRetention.Seconds())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Infof("purged %d soft-deleted threads", n)
	}
	return nil
}

func (s *Service) getSessionRow(ctx context.Context, key session.Key) (*session.Session, error) {
	var sess *session.Session
	err := s.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		sess, scanErr = scanThread(row)
		return scanErr
	}, getThreadQuery, key.SessionID, key.AppName, key.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return sess, nil
}

func (s *Service) loadEvents(ctx context.Context, threadID string, opts session.Options) ([]event.Event, error) {
	limit := opts.EventNum
	if limit <= 0 || limit > s.opts.sessionEventLimit {
		limit = s.opts.sessionEventLimit
	}
	query := getEventsQuery
	args := []any{threadID, limit}
	if !opts.EventTime.IsZero() {
		query = getEventsAfterQuery
		args = []any{threadID, opts.EventTime, limit}
	}
	var events []event.Event
	err := s.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, *e)
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load events failed: %w", err)
	}
	// Rows arrive newest first; flip to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *Service) loadScopedState(ctx context.Context, query string, args ...any) (session.StateMap, error) {
	var stateJSON []byte
	err := s.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&stateJSON)
	}, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrStateKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load scoped state failed: %w", err)
	}
	state := session.StateMap{}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("unmarshal scoped state failed: %w", err)
		}
	}
	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*session.Session, error) {
	sess := &session.Session{}
	var stateJSON []byte
	if err := row.Scan(
		&sess.ID, &sess.AppName, &sess.UserID, &stateJSON,
		&sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sess.State = session.StateMap{}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
			return nil, fmt.Errorf("unmarshal thread state failed: %w", err)
		}
	}
	return sess, nil
}

func scanEvent(row rowScanner) (*event.Event, error) {
	e := &event.Event{}
	var contentJSON, deltaJSON []byte
	if err := row.Scan(
		&e.ID, &e.ThreadID, &e.InvocationID, &e.Author, &e.EventType,
		&contentJSON, &deltaJSON, &e.SequenceNum, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(contentJSON) > 0 {
		if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("unmarshal event content failed: %w", err)
		}
	}
	if len(deltaJSON) > 0 {
		if err := json.Unmarshal(deltaJSON, &e.StateDelta); err != nil {
			return nil, fmt.Errorf("unmarshal event state delta failed: %w", err)
		}
	}
	return e, nil
}

// splitDelta routes delta keys to their scopes. Returned maps hold bare keys.
func splitDelta(delta map[string]json.RawMessage) (sessionDelta, userDelta, appDelta, tempDelta session.StateMap) {
	for k, v := range delta {
		scope, bare := session.ParseStateKey(k)
		switch scope {
		case session.ScopeUser:
			if userDelta == nil {
				userDelta = session.StateMap{}
			}
			userDelta[bare] = v
		case session.ScopeApp:
			if appDelta == nil {
				appDelta = session.StateMap{}
			}
			appDelta[bare] = v
		case session.ScopeTemp:
			if tempDelta == nil {
				tempDelta = session.StateMap{}
			}
			tempDelta[bare] = v
		default:
			if sessionDelta == nil {
				sessionDelta = session.StateMap{}
			}
			sessionDelta[bare] = v
		}
	}
	return sessionDelta, userDelta, appDelta, tempDelta
}

// marshalPersistedDelta serializes the delta for the event row, dropping
// temp: keys which must never reach storage.
func marshalPersistedDelta(delta map[string]json.RawMessage) ([]byte, error) {
	if len(delta) == 0 {
		return nil, nil
	}
	persisted := make(map[string]json.RawMessage, len(delta))
	for k, v := range delta {
		if scope, _ := session.ParseStateKey(k); scope == session.ScopeTemp {
			continue
		}
		persisted[k] = v
	}
	if len(persisted) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(persisted)
	if err != nil {
		return nil, fmt.Errorf("marshal state delta failed: %w", err)
	}
	return b, nil
}

func marshalState(state session.StateMap) ([]byte, error) {
	if state == nil {
		state = session.StateMap{}
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state failed: %w", err)
	}
	return b, nil
}

// isJSONNull reports whether raw is the JSON null literal, which marks a key
// for deletion when it appears in a state delta.
func isJSONNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func stateValue(state session.StateMap, key string) (json.RawMessage, error) {
	v, ok := state[key]
	if !ok {
		return nil, session.ErrStateKeyNotFound
	}
	return v, nil
}

func orEmptyContent(content map[string]any) map[string]any {
	if content == nil {
		return map[string]any{}
	}
	return content
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := stateRetryBaseDelay * time.Duration(attempt+1)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) shardFor(sessionID string) *tempShard {
	idx := murmur3.Sum32([]byte(sessionID)) % uint32(len(s.tempShards))
	return s.tempShards[idx]
}

func (s *Service) setTempState(sessionID string, delta session.StateMap) {
	shard := s.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[sessionID]
	if !ok {
		state = session.StateMap{}
		shard.state[sessionID] = state
	}
	for k, v := range delta {
		state[k] = v
	}
}

func (s *Service) getTempState(sessionID, key string) (json.RawMessage, bool) {
	shard := s.shardFor(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	state, ok := shard.state[sessionID]
	if !ok {
		return nil, false
	}
	v, ok := state[key]
	return v, ok
}

func (s *Service) deleteTempState(sessionID, key string) {
	shard := s.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if state, ok := shard.state[sessionID]; ok {
		delete(state, key)
		if len(state) == 0 {
			delete(shard.state, sessionID)
		}
	}
}

func (s *Service) clearTempState(sessionID string) {
	shard := s.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.state, sessionID)
}

func (s *Service) snapshotTempState(sessionID string) session.StateMap {
	shard := s.shardFor(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	state, ok := shard.state[sessionID]
	if !ok {
		return nil
	}
	return state.Clone()
}

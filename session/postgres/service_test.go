//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-cogmem-go/event"
	"trpc.group/trpc-go/trpc-cogmem-go/session"
	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

func newMockService(t *testing.T, opt ...ServiceOpt) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opt = append([]ServiceOpt{WithSkipDBInit(true)}, opt...)
	svc, err := NewServiceWithClient(storage.NewClient(db), opt...)
	require.NoError(t, err)
	return svc, mock
}

func testKey() session.Key {
	return session.Key{
		AppName:   "test-app",
		UserID:    "user-1",
		SessionID: "11111111-1111-1111-1111-111111111111",
	}
}

func threadRow(key session.Key, state string, version int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "app_name", "user_id", "state", "version", "created_at", "updated_at",
	}).AddRow(key.SessionID, key.AppName, key.UserID, []byte(state), version, now, now)
}

func TestCreateSession(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	now := time.Now()

	mock.ExpectQuery(insertThreadQuery).
		WithArgs(key.SessionID, key.AppName, key.UserID, []byte(`{"theme":"dark"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	sess, err := svc.CreateSession(context.Background(), key, session.StateMap{
		"theme": json.RawMessage(`"dark"`),
	})
	require.NoError(t, err)
	require.Equal(t, key.SessionID, sess.ID)
	require.Equal(t, int64(1), sess.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_MissingUserID(t *testing.T) {
	svc, _ := newMockService(t)
	_, err := svc.CreateSession(context.Background(), session.Key{AppName: "app"}, nil)
	require.ErrorIs(t, err, session.ErrUserIDRequired)
}

func TestAppendEvent_StateMutating(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	now := time.Now()

	sess := &session.Session{
		ID:      key.SessionID,
		AppName: key.AppName,
		UserID:  key.UserID,
		State:   session.StateMap{},
		Version: 1,
	}
	ev := event.New(key.SessionID, event.AuthorAgent, event.TypeStateUpdate, nil,
		event.WithStateDelta(map[string]json.RawMessage{
			"step":       json.RawMessage(`2`),
			"temp:draft": json.RawMessage(`"x"`),
		}))

	mock.ExpectBegin()
	mock.ExpectQuery(updateThreadStateQuery).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
	mock.ExpectQuery(insertEventQuery).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_num", "created_at"}).AddRow(int64(1), now))
	mock.ExpectCommit()

	require.NoError(t, svc.AppendEvent(context.Background(), sess, ev))
	require.Equal(t, int64(2), sess.Version)
	require.Equal(t, json.RawMessage(`2`), sess.State["step"])
	require.Equal(t, int64(1), ev.SequenceNum)

	// The temp key landed in the process-local store, not in the session state.
	_, inState := sess.State["temp:draft"]
	require.False(t, inState)
	raw, ok := svc.getTempState(key.SessionID, "draft")
	require.True(t, ok)
	require.Equal(t, json.RawMessage(`"x"`), raw)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_VersionConflict(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()

	sess := &session.Session{
		ID:      key.SessionID,
		AppName: key.AppName,
		UserID:  key.UserID,
		State:   session.StateMap{},
		Version: 1,
	}
	ev := event.New(key.SessionID, event.AuthorAgent, event.TypeStateUpdate, nil,
		event.WithStateDelta(map[string]json.RawMessage{
			"step": json.RawMessage(`2`),
		}))

	mock.ExpectBegin()
	// Zero rows from the version-guarded update means another writer won.
	mock.ExpectQuery(updateThreadStateQuery).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := svc.AppendEvent(context.Background(), sess, ev)
	require.ErrorIs(t, err, session.ErrConcurrencyConflict)
	require.Equal(t, int64(1), sess.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_NonMutating(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	now := time.Now()

	sess := &session.Session{
		ID:      key.SessionID,
		AppName: key.AppName,
		UserID:  key.UserID,
		State:   session.StateMap{},
		Version: 3,
	}
	ev := event.NewMessage(key.SessionID, event.AuthorUser, "hello")

	mock.ExpectBegin()
	// No state update expected, only the event insert.
	mock.ExpectQuery(insertEventQuery).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_num", "created_at"}).AddRow(int64(7), now))
	mock.ExpectCommit()

	require.NoError(t, svc.AppendEvent(context.Background(), sess, ev))
	require.Equal(t, int64(3), sess.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionState_WritesEventRow(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	now := time.Now()

	mock.ExpectQuery(getThreadQuery).
		WithArgs(key.SessionID, key.AppName, key.UserID).
		WillReturnRows(threadRow(key, `{}`, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(updateThreadStateQuery).
		WithArgs([]byte(`{"count":1}`), key.SessionID, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
	// Every committed state change carries a state_update row in the event log.
	mock.ExpectQuery(insertEventQuery).
		WithArgs(sqlmock.AnyArg(), key.SessionID, nil,
			event.AuthorSystem, event.TypeStateUpdate, []byte(`{}`), []byte(`{"count":1}`)).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_num", "created_at"}).AddRow(int64(5), now))
	mock.ExpectCommit()

	sess, err := svc.UpdateSessionState(context.Background(), key, session.StateMap{
		"count": json.RawMessage(`1`),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), sess.Version)
	require.Equal(t, json.RawMessage(`1`), sess.State["count"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionState_RetryAfterConflict(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	now := time.Now()

	// First attempt loses the version race.
	mock.ExpectQuery(getThreadQuery).
		WithArgs(key.SessionID, key.AppName, key.UserID).
		WillReturnRows(threadRow(key, `{}`, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(updateThreadStateQuery).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()
	// Second attempt sees the new version and wins.
	mock.ExpectQuery(getThreadQuery).
		WithArgs(key.SessionID, key.AppName, key.UserID).
		WillReturnRows(threadRow(key, `{}`, 2))
	mock.ExpectBegin()
	mock.ExpectQuery(updateThreadStateQuery).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectQuery(insertEventQuery).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_num", "created_at"}).AddRow(int64(1), now))
	mock.ExpectCommit()

	sess, err := svc.UpdateSessionState(context.Background(), key, session.StateMap{
		"count": json.RawMessage(`1`),
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), sess.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionState_ConflictExhaustsRetries(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()

	for i := 0; i <= maxStateRetries; i++ {
		mock.ExpectQuery(getThreadQuery).
			WillReturnRows(threadRow(key, `{}`, 1))
		mock.ExpectBegin()
		mock.ExpectQuery(updateThreadStateQuery).
			WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectRollback()
	}

	_, err := svc.UpdateSessionState(context.Background(), key, session.StateMap{
		"count": json.RawMessage(`1`),
	})
	require.ErrorIs(t, err, session.ErrConcurrencyConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteState_SessionScopeRemovesKeyThroughEventLog(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	now := time.Now()

	mock.ExpectQuery(getThreadQuery).
		WillReturnRows(threadRow(key, `{"count":1}`, 1))
	mock.ExpectBegin()
	// The null tombstone in the delta removes the key from the stored state.
	mock.ExpectQuery(updateThreadStateQuery).
		WithArgs([]byte(`{}`), key.SessionID, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
	mock.ExpectQuery(insertEventQuery).
		WithArgs(sqlmock.AnyArg(), key.SessionID, nil,
			event.AuthorSystem, event.TypeStateUpdate, []byte(`{}`), []byte(`{"count":null}`)).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_num", "created_at"}).AddRow(int64(2), now))
	mock.ExpectCommit()

	require.NoError(t, svc.DeleteState(context.Background(), key, "count"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteState_SessionScopeMissingKeyIsNoop(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()

	mock.ExpectQuery(getThreadQuery).
		WillReturnRows(threadRow(key, `{}`, 1))

	require.NoError(t, svc.DeleteState(context.Background(), key, "absent"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetState_UserScope(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()

	mock.ExpectExec(upsertUserStateQuery).
		WithArgs(key.UserID, key.AppName, []byte(`{"lang":"zh"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.SetState(context.Background(), key, "user:lang", "zh"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetState_AppScope(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()

	mock.ExpectExec(upsertAppStateQuery).
		WithArgs(key.AppName, []byte(`{"flag":true}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.SetState(context.Background(), key, "app:flag", true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTempState_RoundTripWithoutSQL(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	ctx := context.Background()

	require.NoError(t, svc.SetState(ctx, key, "temp:scratch", 42))
	raw, err := svc.GetState(ctx, key, "temp:scratch")
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`42`), raw)

	require.NoError(t, svc.DeleteState(ctx, key, "temp:scratch"))
	_, err = svc.GetState(ctx, key, "temp:scratch")
	require.ErrorIs(t, err, session.ErrStateKeyNotFound)

	// No statement ever reached the database.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetState_SessionScopeMiss(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()

	mock.ExpectQuery(getThreadQuery).
		WillReturnRows(threadRow(key, `{"present":1}`, 1))

	_, err := svc.GetState(context.Background(), key, "absent")
	require.ErrorIs(t, err, session.ErrStateKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAllState_MergesScopesWithPrefixes(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	ctx := context.Background()

	require.NoError(t, svc.SetState(ctx, key, "temp:scratch", "v"))

	mock.ExpectQuery(getThreadQuery).
		WillReturnRows(threadRow(key, `{"step":1}`, 1))
	mock.ExpectQuery(getUserStateQuery).
		WithArgs(key.UserID, key.AppName).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte(`{"lang":"zh"}`)))
	mock.ExpectQuery(getAppStateQuery).
		WithArgs(key.AppName).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte(`{"flag":true}`)))

	state, err := svc.GetAllState(ctx, key)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`1`), state["step"])
	require.Equal(t, json.RawMessage(`"zh"`), state["user:lang"])
	require.Equal(t, json.RawMessage(`true`), state["app:flag"])
	require.Equal(t, json.RawMessage(`"v"`), state["temp:scratch"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLifecycle(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()
	now := time.Now()

	mock.ExpectQuery(insertRunQuery).
		WithArgs("run-1", key.SessionID, session.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec(completeRunQuery).
		WithArgs("run-1", session.RunStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(failRunQuery).
		WithArgs("run-1", session.RunStatusFailed, "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	run, err := svc.StartRun(ctx, key.SessionID, "run-1")
	require.NoError(t, err)
	require.Equal(t, session.RunStatusRunning, run.Status)
	require.NoError(t, svc.CompleteRun(ctx, "run-1"))
	require.NoError(t, svc.FailRun(ctx, "run-1", "boom"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSession_SoftDelete(t *testing.T) {
	svc, mock := newMockService(t)
	key := testKey()

	mock.ExpectExec(`UPDATE threads SET deleted_at = NOW()
WHERE id = $1 AND app_name = $2 AND user_id = $3 AND deleted_at IS NULL`).
		WithArgs(key.SessionID, key.AppName, key.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.DeleteSession(context.Background(), key))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitDelta_Routing(t *testing.T) {
	sessionDelta, userDelta, appDelta, tempDelta := splitDelta(map[string]json.RawMessage{
		"plain":    json.RawMessage(`1`),
		"user:a":   json.RawMessage(`2`),
		"app:b":    json.RawMessage(`3`),
		"temp:c":   json.RawMessage(`4`),
		"user:d:e": json.RawMessage(`5`),
	})
	require.Equal(t, session.StateMap{"plain": json.RawMessage(`1`)}, sessionDelta)
	require.Equal(t, json.RawMessage(`2`), userDelta["a"])
	require.Equal(t, json.RawMessage(`5`), userDelta["d:e"])
	require.Equal(t, session.StateMap{"b": json.RawMessage(`3`)}, appDelta)
	require.Equal(t, session.StateMap{"c": json.RawMessage(`4`)}, tempDelta)
}

func TestMarshalPersistedDelta_DropsTempKeys(t *testing.T) {
	b, err := marshalPersistedDelta(map[string]json.RawMessage{
		"temp:only": json.RawMessage(`1`),
	})
	require.NoError(t, err)
	require.Nil(t, b)

	b, err = marshalPersistedDelta(map[string]json.RawMessage{
		"keep":      json.RawMessage(`1`),
		"temp:drop": json.RawMessage(`2`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"keep":1}`, string(b))
}

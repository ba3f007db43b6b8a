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
	"database/sql"
	"fmt"
	"strings"

	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

// Table names.
const (
	tableThreads    = "threads"
	tableEvents     = "events"
	tableUserStates = "user_states"
	tableAppStates  = "app_states"
	tableRuns       = "runs"
)

// notifyChannel is the pg_notify channel carrying row change payloads.
const notifyChannel = "event_stream"

const createThreadsTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id UUID PRIMARY KEY,
	app_name VARCHAR(128) NOT NULL,
	user_id VARCHAR(128) NOT NULL,
	state JSONB NOT NULL DEFAULT '{}',
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at TIMESTAMPTZ
)`

const createEventsTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id UUID PRIMARY KEY,
	thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	invocation_id VARCHAR(256),
	author VARCHAR(64) NOT NULL,
	event_type VARCHAR(64) NOT NULL,
	content JSONB NOT NULL DEFAULT '{}',
	state_delta JSONB,
	sequence_num BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createUserStatesTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	user_id VARCHAR(128) NOT NULL,
	app_name VARCHAR(128) NOT NULL,
	state JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, app_name)
)`

const createAppStatesTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	app_name VARCHAR(128) PRIMARY KEY,
	state JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createRunsTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id UUID PRIMARY KEY,
	thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	status VARCHAR(32) NOT NULL DEFAULT 'running',
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createThreadsUserIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON threads (app_name, user_id) WHERE deleted_at IS NULL`

const createEventsSequenceIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON events (thread_id, sequence_num)`

const createRunsThreadIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON runs (thread_id)`

// createNotifyFunctionSQL publishes row changes on the event_stream channel.
// The payload shape {table, operation, data} is what the bridge translates.
const createNotifyFunctionSQL = `CREATE OR REPLACE FUNCTION notify_event_stream() RETURNS trigger AS $$
DECLARE
	payload TEXT;
BEGIN
	payload := json_build_object(
		'table', TG_TABLE_NAME,
		'operation', TG_OP,
		'data', row_to_json(NEW)
	)::text;
	PERFORM pg_notify('event_stream', payload);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`

var createNotifyTriggersSQL = []string{
	`DROP TRIGGER IF EXISTS threads_notify_stream ON threads`,
	`CREATE TRIGGER threads_notify_stream AFTER UPDATE ON threads
FOR EACH ROW EXECUTE FUNCTION notify_event_stream()`,
	`DROP TRIGGER IF EXISTS events_notify_stream ON events`,
	`CREATE TRIGGER events_notify_stream AFTER INSERT ON events
FOR EACH ROW EXECUTE FUNCTION notify_event_stream()`,
	`DROP TRIGGER IF EXISTS runs_notify_stream ON runs`,
	`CREATE TRIGGER runs_notify_stream AFTER INSERT OR UPDATE ON runs
FOR EACH ROW EXECUTE FUNCTION notify_event_stream()`,
}

type tableDDL struct {
	name string
	sql  string
}

type indexDDL struct {
	name string
	sql  string
}

var sessionTables = []tableDDL{
	{tableThreads, createThreadsTableSQL},
	{tableEvents, createEventsTableSQL},
	{tableUserStates, createUserStatesTableSQL},
	{tableAppStates, createAppStatesTableSQL},
	{tableRuns, createRunsTableSQL},
}

var sessionIndexes = []indexDDL{
	{"idx_threads_app_user", createThreadsUserIndexSQL},
	{"idx_events_thread_seq", createEventsSequenceIndexSQL},
	{"idx_runs_thread", createRunsThreadIndexSQL},
}

// expectedColumns drives verifySchema. Only columns the service depends on
// are listed.
var expectedColumns = map[string][]string{
	tableThreads:    {"id", "app_name", "user_id", "state", "version", "deleted_at"},
	tableEvents:     {"id", "thread_id", "author", "event_type", "content", "state_delta", "sequence_num"},
	tableUserStates: {"user_id", "app_name", "state"},
	tableAppStates:  {"app_name", "state"},
	tableRuns:       {"id", "thread_id", "status", "error"},
}

// InitDBOpts holds options for standalone schema initialization.
type InitDBOpts struct {
	dsn          string
	streamNotify bool
}

// InitDBOpt configures InitDB.
type InitDBOpt func(*InitDBOpts)

// WithInitDSN sets the connection string used by InitDB.
func WithInitDSN(dsn string) InitDBOpt {
	return func(opts *InitDBOpts) {
		opts.dsn = dsn
	}
}

// WithInitStreamNotify toggles notify trigger installation for InitDB.
func WithInitStreamNotify(enable bool) InitDBOpt {
	return func(opts *InitDBOpts) {
		opts.streamNotify = enable
	}
}

// InitDB creates the session schema without constructing a service. Useful
// for deployments where DDL runs with elevated privileges.
func InitDB(ctx context.Context, opt ...InitDBOpt) error {
	opts := InitDBOpts{streamNotify: true}
	for _, o := range opt {
		o(&opts)
	}
	builder := storage.GetClientBuilder()
	client, err := builder(ctx, storage.WithClientConnString(opts.dsn))
	if err != nil {
		return fmt.Errorf("create postgres client failed: %w", err)
	}
	defer client.Close()
	return initDB(ctx, client, opts.streamNotify)
}

func initDB(ctx context.Context, client storage.Client, streamNotify bool) error {
	if err := createTables(ctx, client); err != nil {
		return err
	}
	if err := createIndexes(ctx, client); err != nil {
		return err
	}
	if streamNotify {
		if err := createNotifyTriggers(ctx, client); err != nil {
			return err
		}
	}
	return verifySchema(ctx, client)
}

func createTables(ctx context.Context, client storage.Client) error {
	for _, t := range sessionTables {
		stmt := strings.ReplaceAll(t.sql, "{{TABLE_NAME}}", t.name)
		if _, err := client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s failed: %w", t.name, err)
		}
	}
	return nil
}

func createIndexes(ctx context.Context, client storage.Client) error {
	for _, idx := range sessionIndexes {
		stmt := strings.ReplaceAll(idx.sql, "{{INDEX_NAME}}", idx.name)
		if _, err := client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s failed: %w", idx.name, err)
		}
	}
	return nil
}

func createNotifyTriggers(ctx context.Context, client storage.Client) error {
	if _, err := client.ExecContext(ctx, createNotifyFunctionSQL); err != nil {
		return fmt.Errorf("create notify function failed: %w", err)
	}
	for _, stmt := range createNotifyTriggersSQL {
		if _, err := client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create notify trigger failed: %w", err)
		}
	}
	return nil
}

func verifySchema(ctx context.Context, client storage.Client) error {
	const query = `SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`
	for table, want := range expectedColumns {
		got := make(map[string]bool)
		err := client.Query(ctx, func(rows *sql.Rows) error {
			for rows.Next() {
				var col string
				if err := rows.Scan(&col); err != nil {
					return err
				}
				got[col] = true
			}
			return nil
		}, query, table)
		if err != nil {
			return fmt.Errorf("verify table %s failed: %w", table, err)
		}
		if len(got) == 0 {
			return fmt.Errorf("table %s does not exist", table)
		}
		for _, col := range want {
			if !got[col] {
				return fmt.Errorf("table %s is missing column %s", table, col)
			}
		}
	}
	return nil
}

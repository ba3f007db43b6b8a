//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

const createToolsTableSQL = `CREATE TABLE IF NOT EXISTS tools (
	id UUID PRIMARY KEY,
	name VARCHAR(128) NOT NULL UNIQUE,
	display_name VARCHAR(256),
	description TEXT,
	parameters_schema JSONB NOT NULL DEFAULT '{}',
	permissions JSONB NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	call_count BIGINT NOT NULL DEFAULT 0,
	avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const (
	upsertToolQuery = `INSERT INTO tools
(id, name, display_name, description, parameters_schema, permissions, is_active)
VALUES ($1, $2, $3, $4, $5, $6, TRUE)
ON CONFLICT (name) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	description = EXCLUDED.description,
	parameters_schema = EXCLUDED.parameters_schema,
	permissions = EXCLUDED.permissions,
	is_active = TRUE,
	updated_at = NOW()`

	listToolsQuery = `SELECT name, COALESCE(display_name, ''), COALESCE(description, ''),
parameters_schema, permissions, is_active, call_count, avg_latency_ms
FROM tools
WHERE is_active
ORDER BY name`

	deactivateToolQuery = `UPDATE tools SET is_active = FALSE, updated_at = NOW() WHERE name = $1`

	// Running average, recomputed per call without reading the row back.
	updateStatsQuery = `UPDATE tools
SET avg_latency_ms = (avg_latency_ms * call_count + $2) / (call_count + 1),
	call_count = call_count + 1,
	updated_at = NOW()
WHERE name = $1`
)

// Registry binds tool declarations in the database to in-process callables.
// Registration takes effect immediately, no restart needed.
type Registry struct {
	pgClient storage.Client

	mu        sync.RWMutex
	callables map[string]Callable
	decls     map[string]*Declaration
}

// NewRegistry creates a registry and ensures the tools table exists.
func NewRegistry(ctx context.Context, client storage.Client) (*Registry, error) {
	if _, err := client.ExecContext(ctx, createToolsTableSQL); err != nil {
		return nil, fmt.Errorf("create tools table failed: %w", err)
	}
	return &Registry{
		pgClient:  client,
		callables: make(map[string]Callable),
		decls:     make(map[string]*Declaration),
	}, nil
}

// Register upserts the tool declaration and binds the callable. Re-registering
// a name replaces the previous binding.
func (r *Registry) Register(ctx context.Context, decl *Declaration, fn Callable) error {
	if decl == nil || decl.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if fn == nil {
		return fmt.Errorf("tool %s has no callable", decl.Name)
	}
	schemaJSON, err := marshalObject(decl.ParametersSchema)
	if err != nil {
		return err
	}
	permissionsJSON, err := marshalObject(decl.Permissions)
	if err != nil {
		return err
	}
	_, err = r.pgClient.ExecContext(ctx, upsertToolQuery,
		uuid.NewString(), decl.Name, nullableString(decl.DisplayName),
		nullableString(decl.Description), schemaJSON, permissionsJSON)
	if err != nil {
		return fmt.Errorf("register tool %s failed: %w", decl.Name, err)
	}
	decl.IsActive = true

	r.mu.Lock()
	r.callables[decl.Name] = fn
	r.decls[decl.Name] = decl
	r.mu.Unlock()
	return nil
}

// Unregister deactivates the tool and removes its binding.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	if _, err := r.pgClient.ExecContext(ctx, deactivateToolQuery, name); err != nil {
		return fmt.Errorf("unregister tool %s failed: %w", name, err)
	}
	r.mu.Lock()
	delete(r.callables, name)
	delete(r.decls, name)
	r.mu.Unlock()
	return nil
}

// Get returns the local declaration of a bound tool.
func (r *Registry) Get(name string) (*Declaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decl, ok := r.decls[name]
	return decl, ok
}

// List returns the active tool declarations from the database, including
// tools registered by other processes.
func (r *Registry) List(ctx context.Context) ([]*Declaration, error) {
	var decls []*Declaration
	err := r.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			decl := &Declaration{}
			var schemaJSON, permissionsJSON []byte
			if err := rows.Scan(&decl.Name, &decl.DisplayName, &decl.Description,
				&schemaJSON, &permissionsJSON, &decl.IsActive,
				&decl.CallCount, &decl.AvgLatencyMS); err != nil {
				return err
			}
			if len(schemaJSON) > 0 {
				if err := json.Unmarshal(schemaJSON, &decl.ParametersSchema); err != nil {
					return err
				}
			}
			if len(permissionsJSON) > 0 {
				if err := json.Unmarshal(permissionsJSON, &decl.Permissions); err != nil {
					return err
				}
			}
			decls = append(decls, decl)
		}
		return nil
	}, listToolsQuery)
	if err != nil {
		return nil, fmt.Errorf("list tools failed: %w", err)
	}
	return decls, nil
}

// Invoke calls a bound tool and records latency statistics. The statistics
// update does not block the caller.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.callables[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	start := time.Now()
	result, err := fn(ctx, params)
	if err != nil {
		return nil, err
	}
	latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
	go func() {
		statsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.pgClient.ExecContext(statsCtx, updateStatsQuery, name, latencyMS); err != nil {
			log.Warnf("tool: update stats for %s failed: %v", name, err)
		}
	}()
	return result, nil
}

func marshalObject(obj map[string]any) ([]byte, error) {
	if obj == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal tool field failed: %w", err)
	}
	return data, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

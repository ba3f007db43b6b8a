//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package tool provides a database-backed tool registry with hot
// registration and per-tool call statistics.
package tool

import (
	"context"
	"errors"
)

// ErrToolNotFound is returned when invoking an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// Callable is the Go function bound to a tool name.
type Callable func(ctx context.Context, params map[string]any) (any, error)

// Declaration describes a registered tool.
type Declaration struct {
	Name             string         `json:"name"`
	DisplayName      string         `json:"display_name,omitempty"`
	Description      string         `json:"description,omitempty"`
	ParametersSchema map[string]any `json:"parameters_schema,omitempty"`
	Permissions      map[string]any `json:"permissions,omitempty"`
	IsActive         bool           `json:"is_active"`
	CallCount        int64          `json:"call_count"`
	AvgLatencyMS     float64        `json:"avg_latency_ms"`
}

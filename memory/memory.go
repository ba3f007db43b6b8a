//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package memory defines the long-term memory types shared by backends.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Memory types.
const (
	TypeEpisodic   = "episodic"
	TypeSemantic   = "semantic"
	TypeProcedural = "procedural"
	TypeSummary    = "summary"
)

// Fact types.
const (
	FactTypePreference = "preference"
	FactTypeRule       = "rule"
	FactTypeProfile    = "profile"
)

// Consolidation job types.
const (
	JobTypeFastReplay        = "fast_replay"
	JobTypeDeepReflection    = "deep_reflection"
	JobTypeFullConsolidation = "full_consolidation"
)

// Consolidation job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

var (
	// ErrMemoryNotFound is returned when a memory does not exist.
	ErrMemoryNotFound = errors.New("memory not found")
	// ErrThreadNotFound is returned when the consolidated thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrConsolidationFailed is returned when a consolidation job fails.
	ErrConsolidationFailed = errors.New("consolidation failed")
	// ErrEmbedderRequired is returned when an operation needs an embedder.
	ErrEmbedderRequired = errors.New("embedder is required")
)

// Memory is one long-term memory row.
type Memory struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"thread_id,omitempty"`
	UserID         string         `json:"user_id"`
	AppName        string         `json:"app_name"`
	MemoryType     string         `json:"memory_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RetentionScore float64        `json:"retention_score"`
	AccessCount    int            `json:"access_count"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Fact is one extracted user fact, unique per (user, app, type, key).
type Fact struct {
	ID         string          `json:"id"`
	ThreadID   string          `json:"thread_id,omitempty"`
	UserID     string          `json:"user_id"`
	AppName    string          `json:"app_name"`
	FactType   string          `json:"fact_type"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ConsolidationJob tracks one consolidation run over a thread.
type ConsolidationJob struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	JobType     string         `json:"job_type"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SearchQuery describes a memory retrieval request.
type SearchQuery struct {
	UserID  string
	AppName string
	Query   string
	// Limit caps first-stage candidates. Zero uses the backend default.
	Limit int
	// MinRelevance filters out results below this combined score.
	MinRelevance float64
	// MemoryType filters by memory type when non-empty.
	MemoryType string
	// HighSelectivity widens the index scan for filtered searches.
	HighSelectivity bool
	// Rerank enables the second-stage cross-encoder.
	Rerank bool
}

// SearchResult is one retrieval hit.
type SearchResult struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	MemoryType    string         `json:"memory_type,omitempty"`
	SemanticScore float64        `json:"semantic_score"`
	KeywordScore  float64        `json:"keyword_score"`
	CombinedScore float64        `json:"combined_score"`
	RerankScore   float64        `json:"rerank_score,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// KnowledgeChunk is one pre-chunked knowledge base entry.
type KnowledgeChunk struct {
	ID         string    `json:"id"`
	CorpusID   string    `json:"corpus_id"`
	AppName    string    `json:"app_name"`
	SourceURI  string    `json:"source_uri,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryStats summarizes the retention distribution after maintenance.
type MemoryStats struct {
	TotalMemories     int     `json:"total_memories"`
	HighRetention     int     `json:"high_retention"`
	MediumRetention   int     `json:"medium_retention"`
	LowRetention      int     `json:"low_retention"`
	AvgRetentionScore float64 `json:"avg_retention_score"`
	CleanedCount      int     `json:"cleaned_count"`
}

// ContextItem is one entry of an assembled context window.
type ContextItem struct {
	// ContextType is one of system, memory, history, fact.
	ContextType    string         `json:"context_type"`
	Content        string         `json:"content"`
	RelevanceScore float64        `json:"relevance_score"`
	TokenEstimate  int            `json:"token_estimate"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ContextWindow is a token-budgeted context assembled for a model call.
type ContextWindow struct {
	Items       []ContextItem `json:"items"`
	TotalTokens int           `json:"total_tokens"`
	// BudgetUsed is the fraction of the token budget consumed.
	BudgetUsed float64 `json:"budget_used"`
}

// Service is the retrieval-facing interface of a memory backend.
type Service interface {
	// AddMemory embeds and stores a memory.
	AddMemory(ctx context.Context, m *Memory) error
	// SearchMemories runs hybrid retrieval, optionally reranked.
	SearchMemories(ctx context.Context, query *SearchQuery) ([]*SearchResult, error)
	// ListMemories lists memories by descending retention score.
	ListMemories(ctx context.Context, userID, appName string, limit, offset int) ([]*Memory, error)
	// Close releases backend resources.
	Close() error
}

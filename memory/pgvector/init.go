//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

package pgvector

import (
	"context"
	"fmt"
	"strings"

	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

// Table names.
const (
	tableMemories          = "memories"
	tableFacts             = "facts"
	tableConsolidationJobs = "consolidation_jobs"
	tableKnowledgeChunks   = "knowledge_chunks"
)

const createVectorExtensionSQL = `CREATE EXTENSION IF NOT EXISTS vector`

const createMemoriesTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id UUID PRIMARY KEY,
	thread_id UUID,
	user_id VARCHAR(128) NOT NULL,
	app_name VARCHAR(128) NOT NULL,
	memory_type VARCHAR(32) NOT NULL DEFAULT 'episodic',
	content TEXT NOT NULL,
	embedding vector({{DIMENSION}}),
	search_vector tsvector,
	metadata JSONB NOT NULL DEFAULT '{}',
	retention_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createFactsTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id UUID PRIMARY KEY,
	thread_id UUID,
	user_id VARCHAR(128) NOT NULL,
	app_name VARCHAR(128) NOT NULL,
	fact_type VARCHAR(32) NOT NULL,
	key VARCHAR(256) NOT NULL,
	value JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	embedding vector({{DIMENSION}}),
	valid_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, app_name, fact_type, key)
)`

const createConsolidationJobsTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id UUID PRIMARY KEY,
	thread_id UUID NOT NULL,
	job_type VARCHAR(32) NOT NULL,
	status VARCHAR(32) NOT NULL DEFAULT 'pending',
	result JSONB,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
)`

const createKnowledgeChunksTableSQL = `CREATE TABLE IF NOT EXISTS {{TABLE_NAME}} (
	id UUID PRIMARY KEY,
	corpus_id VARCHAR(128) NOT NULL,
	app_name VARCHAR(128) NOT NULL,
	source_uri TEXT,
	chunk_index INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	embedding vector({{DIMENSION}}),
	search_vector tsvector,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createMemoriesEmbeddingIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON memories USING hnsw (embedding vector_cosine_ops)`

const createMemoriesSearchIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON memories USING gin (search_vector)`

const createMemoriesUserIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON memories (user_id, app_name)`

const createFactsEmbeddingIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON facts USING hnsw (embedding vector_cosine_ops)`

const createJobsThreadIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON consolidation_jobs (thread_id, status)`

const createChunksEmbeddingIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON knowledge_chunks USING hnsw (embedding vector_cosine_ops)`

const createChunksSearchIndexSQL = `CREATE INDEX IF NOT EXISTS {{INDEX_NAME}}
ON knowledge_chunks USING gin (search_vector)`

// Search vector maintenance. The simple configuration avoids language
// stemming, which matters because queries are pre-segmented in Go.
var createSearchVectorTriggersSQL = []string{
	`DROP TRIGGER IF EXISTS memories_search_vector_update ON memories`,
	`CREATE TRIGGER memories_search_vector_update BEFORE INSERT OR UPDATE ON memories
FOR EACH ROW EXECUTE FUNCTION tsvector_update_trigger(search_vector, 'pg_catalog.simple', content)`,
	`DROP TRIGGER IF EXISTS knowledge_chunks_search_vector_update ON knowledge_chunks`,
	`CREATE TRIGGER knowledge_chunks_search_vector_update BEFORE INSERT OR UPDATE ON knowledge_chunks
FOR EACH ROW EXECUTE FUNCTION tsvector_update_trigger(search_vector, 'pg_catalog.simple', content)`,
}

// createRetentionFunctionSQL scores a memory by reinforcement and decay.
// Score(n, t) = (1 - e^(-rate*n)) * e^(-rate*age_days). The Go mirror in
// retention.go must produce the same value.
const createRetentionFunctionSQL = `CREATE OR REPLACE FUNCTION calculate_retention_score(
	p_access_count INTEGER,
	p_last_accessed_at TIMESTAMPTZ,
	p_decay_rate DOUBLE PRECISION DEFAULT 0.1
) RETURNS DOUBLE PRECISION AS $$
DECLARE
	age_days DOUBLE PRECISION;
BEGIN
	age_days := GREATEST(EXTRACT(EPOCH FROM (NOW() - p_last_accessed_at)) / 86400.0, 0);
	RETURN (1 - exp(-p_decay_rate * p_access_count)) * exp(-p_decay_rate * age_days);
END;
$$ LANGUAGE plpgsql STABLE`

// createHybridSearchFunctionSQL combines cosine similarity and full text
// rank with fixed weights over a bounded candidate set.
const createHybridSearchFunctionSQL = `CREATE OR REPLACE FUNCTION hybrid_search(
	p_user_id VARCHAR,
	p_app_name VARCHAR,
	p_query_text TEXT,
	p_query_embedding vector,
	p_limit INTEGER DEFAULT 50,
	p_semantic_weight DOUBLE PRECISION DEFAULT 0.7,
	p_keyword_weight DOUBLE PRECISION DEFAULT 0.3,
	p_memory_type VARCHAR DEFAULT NULL
) RETURNS TABLE (
	id UUID,
	content TEXT,
	memory_type VARCHAR,
	semantic_score DOUBLE PRECISION,
	keyword_score DOUBLE PRECISION,
	combined_score DOUBLE PRECISION,
	metadata JSONB
) AS $$
BEGIN
	RETURN QUERY
	SELECT
		m.id,
		m.content,
		m.memory_type,
		(1 - (m.embedding <=> p_query_embedding))::DOUBLE PRECISION AS semantic_score,
		ts_rank(m.search_vector, plainto_tsquery('simple', p_query_text))::DOUBLE PRECISION AS keyword_score,
		(p_semantic_weight * (1 - (m.embedding <=> p_query_embedding)) +
		 p_keyword_weight * ts_rank(m.search_vector, plainto_tsquery('simple', p_query_text)))::DOUBLE PRECISION AS combined_score,
		m.metadata
	FROM memories m
	WHERE m.user_id = p_user_id
	  AND m.app_name = p_app_name
	  AND m.embedding IS NOT NULL
	  AND (p_memory_type IS NULL OR m.memory_type = p_memory_type)
	ORDER BY combined_score DESC
	LIMIT p_limit;
END;
$$ LANGUAGE plpgsql STABLE`

// createRRFSearchFunctionSQL fuses the semantic and keyword rankings with
// reciprocal rank fusion, score = sum(1 / (k + rank)).
const createRRFSearchFunctionSQL = `CREATE OR REPLACE FUNCTION rrf_search(
	p_user_id VARCHAR,
	p_app_name VARCHAR,
	p_query_text TEXT,
	p_query_embedding vector,
	p_limit INTEGER DEFAULT 50,
	p_k INTEGER DEFAULT 60
) RETURNS TABLE (
	id UUID,
	content TEXT,
	rrf_score DOUBLE PRECISION
) AS $$
BEGIN
	RETURN QUERY
	WITH semantic AS (
		SELECT m.id, ROW_NUMBER() OVER (ORDER BY m.embedding <=> p_query_embedding) AS rank
		FROM memories m
		WHERE m.user_id = p_user_id AND m.app_name = p_app_name AND m.embedding IS NOT NULL
		LIMIT p_limit
	), keyword AS (
		SELECT m.id, ROW_NUMBER() OVER (
			ORDER BY ts_rank(m.search_vector, plainto_tsquery('simple', p_query_text)) DESC
		) AS rank
		FROM memories m
		WHERE m.user_id = p_user_id AND m.app_name = p_app_name
		  AND m.search_vector @@ plainto_tsquery('simple', p_query_text)
		LIMIT p_limit
	)
	SELECT
		m.id,
		m.content,
		(COALESCE(1.0 / (p_k + s.rank), 0) + COALESCE(1.0 / (p_k + k.rank), 0))::DOUBLE PRECISION AS rrf_score
	FROM memories m
	LEFT JOIN semantic s ON s.id = m.id
	LEFT JOIN keyword k ON k.id = m.id
	WHERE s.id IS NOT NULL OR k.id IS NOT NULL
	ORDER BY rrf_score DESC
	LIMIT p_limit;
END;
$$ LANGUAGE plpgsql STABLE`

// createKBHybridSearchFunctionSQL is the knowledge base variant, scoped by
// corpus instead of user.
const createKBHybridSearchFunctionSQL = `CREATE OR REPLACE FUNCTION kb_hybrid_search(
	p_corpus_id VARCHAR,
	p_app_name VARCHAR,
	p_query_text TEXT,
	p_query_embedding vector,
	p_limit INTEGER DEFAULT 10,
	p_semantic_weight DOUBLE PRECISION DEFAULT 0.7,
	p_keyword_weight DOUBLE PRECISION DEFAULT 0.3
) RETURNS TABLE (
	id UUID,
	content TEXT,
	semantic_score DOUBLE PRECISION,
	keyword_score DOUBLE PRECISION,
	combined_score DOUBLE PRECISION
) AS $$
BEGIN
	RETURN QUERY
	SELECT
		c.id,
		c.content,
		(1 - (c.embedding <=> p_query_embedding))::DOUBLE PRECISION AS semantic_score,
		ts_rank(c.search_vector, plainto_tsquery('simple', p_query_text))::DOUBLE PRECISION AS keyword_score,
		(p_semantic_weight * (1 - (c.embedding <=> p_query_embedding)) +
		 p_keyword_weight * ts_rank(c.search_vector, plainto_tsquery('simple', p_query_text)))::DOUBLE PRECISION AS combined_score
	FROM knowledge_chunks c
	WHERE c.corpus_id = p_corpus_id
	  AND c.app_name = p_app_name
	  AND c.embedding IS NOT NULL
	ORDER BY combined_score DESC
	LIMIT p_limit;
END;
$$ LANGUAGE plpgsql STABLE`

type tableDDL struct {
	name string
	sql  string
}

type indexDDL struct {
	name string
	sql  string
}

var memoryTables = []tableDDL{
	{tableMemories, createMemoriesTableSQL},
	{tableFacts, createFactsTableSQL},
	{tableConsolidationJobs, createConsolidationJobsTableSQL},
	{tableKnowledgeChunks, createKnowledgeChunksTableSQL},
}

var memoryIndexes = []indexDDL{
	{"idx_memories_embedding", createMemoriesEmbeddingIndexSQL},
	{"idx_memories_search", createMemoriesSearchIndexSQL},
	{"idx_memories_user_app", createMemoriesUserIndexSQL},
	{"idx_facts_embedding", createFactsEmbeddingIndexSQL},
	{"idx_consolidation_jobs_thread", createJobsThreadIndexSQL},
	{"idx_knowledge_chunks_embedding", createChunksEmbeddingIndexSQL},
	{"idx_knowledge_chunks_search", createChunksSearchIndexSQL},
}

var memoryFunctions = []string{
	createRetentionFunctionSQL,
	createHybridSearchFunctionSQL,
	createRRFSearchFunctionSQL,
	createKBHybridSearchFunctionSQL,
}

func initDB(ctx context.Context, client storage.Client, dimension int) error {
	if _, err := client.ExecContext(ctx, createVectorExtensionSQL); err != nil {
		return fmt.Errorf("create vector extension failed: %w", err)
	}
	for _, t := range memoryTables {
		stmt := strings.ReplaceAll(t.sql, "{{TABLE_NAME}}", t.name)
		stmt = strings.ReplaceAll(stmt, "{{DIMENSION}}", fmt.Sprintf("%d", dimension))
		if _, err := client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s failed: %w", t.name, err)
		}
	}
	for _, idx := range memoryIndexes {
		stmt := strings.ReplaceAll(idx.sql, "{{INDEX_NAME}}", idx.name)
		if _, err := client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s failed: %w", idx.name, err)
		}
	}
	for _, stmt := range createSearchVectorTriggersSQL {
		if _, err := client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create search vector trigger failed: %w", err)
		}
	}
	for _, fn := range memoryFunctions {
		if _, err := client.ExecContext(ctx, fn); err != nil {
			return fmt.Errorf("create search function failed: %w", err)
		}
	}
	return nil
}

//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package pgvector provides the PostgreSQL + pgvector memory backend with
// hybrid retrieval, retention scoring and consolidation.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ego/gse"
	"github.com/google/uuid"
	pgv "github.com/pgvector/pgvector-go"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
	"trpc.group/trpc-go/trpc-cogmem-go/memory"
	"trpc.group/trpc-go/trpc-cogmem-go/reranker"
	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

var _ memory.Service = (*Service)(nil)

const (
	insertMemoryQuery = `INSERT INTO memories
(id, thread_id, user_id, app_name, memory_type, content, embedding, metadata, retention_score)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING created_at`

	listMemoriesQuery = `SELECT id, COALESCE(thread_id::text, ''), user_id, app_name, memory_type,
content, metadata, retention_score, access_count, last_accessed_at, created_at
FROM memories
WHERE user_id = $1 AND app_name = $2
ORDER BY retention_score DESC, created_at DESC
LIMIT $3 OFFSET $4`

	hybridSearchQuery = `SELECT id, content, memory_type, semantic_score, keyword_score, combined_score, metadata
FROM hybrid_search($1, $2, $3, $4, $5, $6, $7, $8)`

	rrfSearchQuery = `SELECT id, content, rrf_score FROM rrf_search($1, $2, $3, $4, $5)`

	kbSearchQuery = `SELECT id, content, semantic_score, keyword_score, combined_score
FROM kb_hybrid_search($1, $2, $3, $4, $5, $6, $7)`

	insertChunkQuery = `INSERT INTO knowledge_chunks
(id, corpus_id, app_name, source_uri, chunk_index, content, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at`

	// Wider scan behavior for filtered searches, scoped to the transaction.
	setIterativeScanQuery = `SET LOCAL hnsw.iterative_scan = relaxed_order`
)

var setEfSearchQuery = fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", highSelectivityEfSearch)

// Service is the pgvector implementation of memory.Service.
type Service struct {
	opts      ServiceOpts
	pgClient  storage.Client
	retention *RetentionManager

	segmenter gse.Segmenter
	segOnce   sync.Once

	closeOnce sync.Once
}

// NewService creates a pgvector memory service.
func NewService(opt ...ServiceOpt) (*Service, error) {
	opts := defaultServiceOpts
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

// NewServiceWithClient creates a memory service over an existing storage client.
func NewServiceWithClient(client storage.Client, opt ...ServiceOpt) (*Service, error) {
	opts := defaultServiceOpts
	for _, o := range opt {
		o(&opts)
	}
	return newService(context.Background(), client, opts)
}

func newService(ctx context.Context, client storage.Client, opts ServiceOpts) (*Service, error) {
	if opts.embedder == nil {
		return nil, memory.ErrEmbedderRequired
	}
	if !opts.skipDBInit {
		if err := initDB(ctx, client, opts.indexDimension); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	s := &Service{
		opts:      opts,
		pgClient:  client,
		retention: NewRetentionManager(client),
	}
	return s, nil
}

// Retention exposes the retention manager for maintenance callers.
func (s *Service) Retention() *RetentionManager {
	return s.retention
}

// AddMemory embeds and stores a memory. A zero retention score defaults to 1.0.
func (s *Service) AddMemory(ctx context.Context, m *memory.Memory) error {
	if m.Content == "" {
		return fmt.Errorf("memory content is empty")
	}
	emb, err := s.opts.embedder.GetEmbedding(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("embed memory failed: %w", err)
	}
	if len(emb) != s.opts.indexDimension {
		return fmt.Errorf("embedding dimension %d does not match index dimension %d",
			len(emb), s.opts.indexDimension)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.MemoryType == "" {
		m.MemoryType = memory.TypeEpisodic
	}
	if m.RetentionScore == 0 {
		m.RetentionScore = 1.0
	}
	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	err = s.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&m.CreatedAt)
	}, insertMemoryQuery,
		m.ID, nullableThreadID(m.ThreadID), m.UserID, m.AppName, m.MemoryType,
		m.Content, pgv.NewVector(convertToFloat32(emb)), metadataJSON, m.RetentionScore)
	if err != nil {
		return fmt.Errorf("insert memory failed: %w", err)
	}
	return nil
}

// SearchMemories runs two-stage hybrid retrieval. The first stage combines
// cosine similarity and keyword rank in SQL; the optional second stage
// reranks candidates with a cross-encoder. Accessed memories are reinforced
// asynchronously.
func (s *Service) SearchMemories(
	ctx context.Context,
	query *memory.SearchQuery,
) ([]*memory.SearchResult, error) {
	if query == nil || query.Query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	emb, err := s.opts.embedder.GetEmbedding(ctx, query.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = s.opts.searchLimit
	}
	queryText := s.segmentQuery(query.Query)
	queryVec := pgv.NewVector(convertToFloat32(emb))

	var results []*memory.SearchResult
	scan := func(rows *sql.Rows) error {
		for rows.Next() {
			res, err := scanSearchResult(rows)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	}
	args := []any{
		query.UserID, query.AppName, queryText, queryVec,
		limit, defaultSemanticWeight, defaultKeywordWeight,
		nullableMemoryType(query.MemoryType),
	}
	if query.HighSelectivity {
		err = s.searchHighSelectivity(ctx, scan, args)
	} else {
		err = s.pgClient.Query(ctx, scan, hybridSearchQuery, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}

	if query.MinRelevance > 0 {
		filtered := results[:0]
		for _, res := range results {
			if res.CombinedScore >= query.MinRelevance {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}

	if query.Rerank && s.opts.reranker != nil && len(results) > 0 {
		results, err = s.rerank(ctx, query.Query, results)
		if err != nil {
			// First-stage ordering is still usable when the reranker is down.
			log.Warnf("memory: rerank failed, returning first-stage order: %v", err)
		}
	}

	s.recordAccessAsync(results)
	return results, nil
}

// searchHighSelectivity runs the hybrid search in a transaction with a wider
// HNSW scan, so heavily filtered queries do not starve on index candidates.
func (s *Service) searchHighSelectivity(
	ctx context.Context,
	scan func(*sql.Rows) error,
	args []any,
) error {
	return s.pgClient.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, setEfSearchQuery); err != nil {
			return fmt.Errorf("set ef_search failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, setIterativeScanQuery); err != nil {
			return fmt.Errorf("set iterative_scan failed: %w", err)
		}
		rows, err := tx.QueryContext(ctx, hybridSearchQuery, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

func (s *Service) rerank(
	ctx context.Context,
	query string,
	results []*memory.SearchResult,
) ([]*memory.SearchResult, error) {
	candidates := make([]*reranker.Result, len(results))
	byID := make(map[string]*memory.SearchResult, len(results))
	for i, res := range results {
		candidates[i] = &reranker.Result{
			ID:      res.ID,
			Content: res.Content,
			Score:   res.CombinedScore,
		}
		byID[res.ID] = res
	}
	reranked, err := s.opts.reranker.Rerank(ctx, query, candidates)
	if err != nil {
		return results, err
	}
	topK := s.opts.rerankTopK
	if topK > len(reranked) {
		topK = len(reranked)
	}
	out := make([]*memory.SearchResult, 0, topK)
	for _, cand := range reranked[:topK] {
		res, ok := byID[cand.ID]
		if !ok {
			continue
		}
		res.RerankScore = cand.RerankScore
		out = append(out, res)
	}
	return out, nil
}

// recordAccessAsync reinforces retrieved memories without blocking the
// search path.
func (s *Service) recordAccessAsync(results []*memory.SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.retention.RecordBatchAccess(ctx, ids); err != nil {
			log.Warnf("memory: record batch access failed: %v", err)
		}
	}()
}

// SearchMemoriesRRF fuses the semantic and keyword rankings with reciprocal
// rank fusion instead of weighted scores. Useful when the two score scales
// drift apart.
func (s *Service) SearchMemoriesRRF(
	ctx context.Context,
	userID, appName, query string,
	limit int,
) ([]*memory.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	emb, err := s.opts.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}
	if limit <= 0 {
		limit = s.opts.searchLimit
	}
	queryText := s.segmentQuery(query)
	var results []*memory.SearchResult
	err = s.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			res := &memory.SearchResult{}
			if err := rows.Scan(&res.ID, &res.Content, &res.CombinedScore); err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	}, rrfSearchQuery, userID, appName, queryText, pgv.NewVector(convertToFloat32(emb)), limit)
	if err != nil {
		return nil, fmt.Errorf("rrf search failed: %w", err)
	}
	return results, nil
}

// RRFFuse merges ranked result lists with reciprocal rank fusion, mirroring
// the rrf_search SQL function. k dampens the weight of top ranks; 60 is the
// conventional choice.
func RRFFuse(k int, rankings ...[]*memory.SearchResult) []*memory.SearchResult {
	if k <= 0 {
		k = 60
	}
	scores := make(map[string]float64)
	byID := make(map[string]*memory.SearchResult)
	for _, ranking := range rankings {
		for rank, res := range ranking {
			scores[res.ID] += 1.0 / float64(k+rank+1)
			if _, ok := byID[res.ID]; !ok {
				byID[res.ID] = res
			}
		}
	}
	fused := make([]*memory.SearchResult, 0, len(byID))
	for id, res := range byID {
		out := *res
		out.CombinedScore = scores[id]
		fused = append(fused, &out)
	}
	sort.Slice(fused, func(i, j int) bool {
		return fused[i].CombinedScore > fused[j].CombinedScore
	})
	return fused
}

// ListMemories lists memories by descending retention score.
func (s *Service) ListMemories(
	ctx context.Context,
	userID, appName string,
	limit, offset int,
) ([]*memory.Memory, error) {
	if limit <= 0 {
		limit = s.opts.searchLimit
	}
	var memories []*memory.Memory
	err := s.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			memories = append(memories, m)
		}
		return nil
	}, listMemoriesQuery, userID, appName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list memories failed: %w", err)
	}
	return memories, nil
}

// AddKnowledgeChunk embeds and stores a pre-chunked knowledge base entry.
func (s *Service) AddKnowledgeChunk(ctx context.Context, chunk *memory.KnowledgeChunk) error {
	if chunk.Content == "" {
		return fmt.Errorf("chunk content is empty")
	}
	emb, err := s.opts.embedder.GetEmbedding(ctx, chunk.Content)
	if err != nil {
		return fmt.Errorf("embed chunk failed: %w", err)
	}
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	err = s.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&chunk.CreatedAt)
	}, insertChunkQuery,
		chunk.ID, chunk.CorpusID, chunk.AppName, nullableString(chunk.SourceURI),
		chunk.ChunkIndex, chunk.Content, pgv.NewVector(convertToFloat32(emb)))
	if err != nil {
		return fmt.Errorf("insert knowledge chunk failed: %w", err)
	}
	return nil
}

// SearchKnowledge runs hybrid retrieval over a knowledge corpus.
func (s *Service) SearchKnowledge(
	ctx context.Context,
	corpusID, appName, query string,
	limit int,
) ([]*memory.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	emb, err := s.opts.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}
	if limit <= 0 {
		limit = s.opts.rerankTopK
	}
	queryText := s.segmentQuery(query)
	var results []*memory.SearchResult
	err = s.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			res := &memory.SearchResult{}
			if err := rows.Scan(&res.ID, &res.Content,
				&res.SemanticScore, &res.KeywordScore, &res.CombinedScore); err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	}, kbSearchQuery, corpusID, appName, queryText, pgv.NewVector(convertToFloat32(emb)),
		limit, defaultSemanticWeight, defaultKeywordWeight)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}
	return results, nil
}

// Close releases the storage client.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pgClient.Close()
	})
	return err
}

// segmentQuery tokenizes the query for full text matching. Postgres's simple
// configuration cannot split CJK text, so segmentation happens here.
func (s *Service) segmentQuery(query string) string {
	s.segOnce.Do(func() {
		if err := s.segmenter.LoadDict(); err != nil {
			log.Warnf("memory: load segmenter dict failed: %v", err)
		}
	})
	segments := s.segmenter.Cut(query, true)
	if len(segments) == 0 {
		return query
	}
	return strings.Join(segments, " ")
}

func scanSearchResult(rows *sql.Rows) (*memory.SearchResult, error) {
	res := &memory.SearchResult{}
	var metadataJSON []byte
	if err := rows.Scan(&res.ID, &res.Content, &res.MemoryType,
		&res.SemanticScore, &res.KeywordScore, &res.CombinedScore, &metadataJSON); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &res.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal result metadata failed: %w", err)
		}
	}
	return res, nil
}

func scanMemory(rows *sql.Rows) (*memory.Memory, error) {
	m := &memory.Memory{}
	var metadataJSON []byte
	if err := rows.Scan(&m.ID, &m.ThreadID, &m.UserID, &m.AppName, &m.MemoryType,
		&m.Content, &metadataJSON, &m.RetentionScore, &m.AccessCount,
		&m.LastAccessedAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal memory metadata failed: %w", err)
		}
	}
	return m, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata failed: %w", err)
	}
	return data, nil
}

func convertToFloat32(emb []float64) []float32 {
	out := make([]float32, len(emb))
	for i, v := range emb {
		out[i] = float32(v)
	}
	return out
}

func nullableThreadID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func nullableMemoryType(t string) any {
	if t == "" {
		return nil
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	pgv "github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
	"trpc.group/trpc-go/trpc-cogmem-go/memory"
	"trpc.group/trpc-go/trpc-cogmem-go/model"
)

const (
	// defaultConsolidationPoolSize bounds concurrent consolidation jobs.
	defaultConsolidationPoolSize = 4
	// defaultJobTimeout bounds one consolidation run end to end.
	defaultJobTimeout = 2 * time.Minute
	// recentEventLimit is how many trailing events a job replays.
	recentEventLimit = 50

	tracerName = "trpc.group/trpc-go/trpc-cogmem-go/memory/pgvector"
)

// fastReplayPrompt compresses a conversation into a short summary.
const fastReplayPrompt = `你是一个对话摘要专家。请将以下对话历史压缩为一个简洁的摘要，保留关键信息。

对话历史:
%s

要求:
1. 摘要长度不超过 200 字
2. 保留用户的关键问题和 Agent 的核心回答
3. 保留任何重要的决策或结论
4. 使用第三人称描述

请直接输出摘要，不要添加任何前缀或解释。`

// deepReflectionPrompt extracts structured facts and insights.
const deepReflectionPrompt = `你是一个用户画像分析专家。请从以下对话中提取用户的关键信息，包括偏好、规则和事实。

对话历史:
%s

请以 JSON 格式输出，格式如下:
` + "```json" + `
{
    "facts": [
        {
            "type": "preference|rule|profile",
            "key": "偏好/规则的唯一标识，如 food_preference",
            "value": {"具体的偏好内容"},
            "confidence": 0.0-1.0 的置信度分数
        }
    ],
    "insights": [
        {
            "content": "从对话中提炼的深层洞察",
            "importance": "high|medium|low"
        }
    ]
}
` + "```" + `

要求:

1. 只提取明确表达或可靠推断的信息
2. preference: 用户的喜好（如饮食、风格偏好）
3. rule: 用户设定的规则（如"每周五不开会"）
4. profile: 用户的基本信息（如职业、位置）
5. 如果没有可提取的信息，返回空数组

请只输出 JSON，不要添加任何其他内容。`

const (
	insertJobQuery = `INSERT INTO consolidation_jobs (id, thread_id, job_type, status, created_at)
VALUES ($1, $2, $3, $4, NOW())
RETURNING created_at`

	updateJobStatusQuery = `UPDATE consolidation_jobs
SET status = $2,
	result = COALESCE($3, result),
	error = COALESCE($4, error),
	started_at = CASE WHEN $2 = 'running' THEN NOW() ELSE started_at END,
	completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
WHERE id = $1`

	getThreadInfoQuery = `SELECT user_id, app_name FROM threads WHERE id = $1`

	getRecentEventsQuery = `SELECT author, content FROM events
WHERE thread_id = $1
ORDER BY sequence_num DESC
LIMIT $2`

	upsertFactQuery = `INSERT INTO facts
(id, thread_id, user_id, app_name, fact_type, key, value, confidence, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, app_name, fact_type, key)
DO UPDATE SET value = EXCLUDED.value,
	confidence = EXCLUDED.confidence,
	embedding = EXCLUDED.embedding,
	thread_id = EXCLUDED.thread_id,
	updated_at = NOW()
RETURNING id`
)

// factExtraction is the deep reflection response shape.
type factExtraction struct {
	Facts []struct {
		Type       string          `json:"type"`
		Key        string          `json:"key"`
		Value      json.RawMessage `json:"value"`
		Confidence float64         `json:"confidence"`
	} `json:"facts"`
	Insights []struct {
		Content    string `json:"content"`
		Importance string `json:"importance"`
	} `json:"insights"`
}

// ConsolidationWorker turns conversation threads into persistent memories.
// Fast replay produces a summary memory, deep reflection extracts facts and
// insights. Jobs run on a bounded goroutine pool.
type ConsolidationWorker struct {
	svc        *Service
	model      model.Model
	pool       *ants.Pool
	jobTimeout time.Duration
}

// WorkerOption configures the consolidation worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	poolSize   int
	jobTimeout time.Duration
}

// WithPoolSize sets the concurrent job limit.
func WithPoolSize(size int) WorkerOption {
	return func(o *workerOptions) {
		if size > 0 {
			o.poolSize = size
		}
	}
}

// WithJobTimeout bounds a single enqueued job.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.jobTimeout = d
		}
	}
}

// NewConsolidationWorker creates a worker over a memory service and a model.
func NewConsolidationWorker(svc *Service, m model.Model, opt ...WorkerOption) (*ConsolidationWorker, error) {
	if svc == nil {
		return nil, fmt.Errorf("memory service is required")
	}
	if m == nil {
		return nil, fmt.Errorf("model is required")
	}
	opts := workerOptions{
		poolSize:   defaultConsolidationPoolSize,
		jobTimeout: defaultJobTimeout,
	}
	for _, o := range opt {
		o(&opts)
	}
	pool, err := ants.NewPool(opts.poolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool failed: %w", err)
	}
	return &ConsolidationWorker{
		svc:        svc,
		model:      m,
		pool:       pool,
		jobTimeout: opts.jobTimeout,
	}, nil
}

// Enqueue schedules a consolidation job on the pool and returns immediately.
func (w *ConsolidationWorker) Enqueue(threadID, jobType string) error {
	return w.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
		defer cancel()
		if _, err := w.Consolidate(ctx, threadID, jobType); err != nil {
			log.Errorf("consolidation: thread %s job %s failed: %v", threadID, jobType, err)
		}
	})
}

// Consolidate runs one consolidation job synchronously and returns the job
// record. The job row tracks status transitions even when the job fails.
func (w *ConsolidationWorker) Consolidate(
	ctx context.Context,
	threadID, jobType string,
) (*memory.ConsolidationJob, error) {
	if jobType == "" {
		jobType = memory.JobTypeFullConsolidation
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "memory.consolidate",
		oteltrace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("job.type", jobType),
		))
	defer span.End()
	job, err := w.createJob(ctx, threadID, jobType)
	if err != nil {
		return nil, err
	}
	result, err := w.run(ctx, job)
	if err != nil {
		job.Status = memory.JobStatusFailed
		job.Error = err.Error()
		if statusErr := w.updateJobStatus(ctx, job.ID, memory.JobStatusFailed, nil, err.Error()); statusErr != nil {
			log.Errorf("consolidation: mark job %s failed: %v", job.ID, statusErr)
		}
		return job, fmt.Errorf("%w: %v", memory.ErrConsolidationFailed, err)
	}
	job.Status = memory.JobStatusCompleted
	job.Result = result
	if err := w.updateJobStatus(ctx, job.ID, memory.JobStatusCompleted, result, ""); err != nil {
		return job, err
	}
	return job, nil
}

func (w *ConsolidationWorker) run(ctx context.Context, job *memory.ConsolidationJob) (map[string]any, error) {
	if err := w.updateJobStatus(ctx, job.ID, memory.JobStatusRunning, nil, ""); err != nil {
		return nil, err
	}
	userID, appName, err := w.getThreadInfo(ctx, job.ThreadID)
	if err != nil {
		return nil, err
	}
	events, err := w.recentEvents(ctx, job.ThreadID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return map[string]any{"message": "No events to consolidate"}, nil
	}
	conversation := formatConversation(events)

	result := make(map[string]any)
	if job.JobType == memory.JobTypeFastReplay || job.JobType == memory.JobTypeFullConsolidation {
		summary, err := w.generateSummary(ctx, conversation)
		if err != nil {
			return nil, err
		}
		m, err := w.storeSummary(ctx, job.ThreadID, userID, appName, summary)
		if err != nil {
			return nil, err
		}
		result["summary"] = map[string]any{
			"memory_id": m.ID,
			"content":   truncate(summary, 100),
		}
	}
	if job.JobType == memory.JobTypeDeepReflection || job.JobType == memory.JobTypeFullConsolidation {
		extraction, err := w.extractFacts(ctx, conversation)
		if err != nil {
			return nil, err
		}
		factsStored := make([]map[string]any, 0, len(extraction.Facts))
		for _, f := range extraction.Facts {
			fact, err := w.storeFact(ctx, job.ThreadID, userID, appName, f.Type, f.Key, f.Value, f.Confidence)
			if err != nil {
				return nil, err
			}
			factsStored = append(factsStored, map[string]any{
				"fact_id": fact.ID,
				"key":     fact.Key,
			})
		}
		insightsStored := make([]map[string]any, 0, len(extraction.Insights))
		for _, ins := range extraction.Insights {
			m, err := w.storeInsight(ctx, job.ThreadID, userID, appName, ins.Content, ins.Importance)
			if err != nil {
				return nil, err
			}
			insightsStored = append(insightsStored, map[string]any{
				"memory_id":  m.ID,
				"importance": m.Metadata["importance"],
			})
		}
		result["facts"] = factsStored
		result["insights"] = insightsStored
	}
	return result, nil
}

// conversationEvent is the slice of an event the replay needs.
type conversationEvent struct {
	author  string
	content map[string]any
}

func (w *ConsolidationWorker) recentEvents(ctx context.Context, threadID string) ([]conversationEvent, error) {
	var events []conversationEvent
	err := w.svc.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var ev conversationEvent
			var contentJSON []byte
			if err := rows.Scan(&ev.author, &contentJSON); err != nil {
				return err
			}
			if len(contentJSON) > 0 {
				if err := json.Unmarshal(contentJSON, &ev.content); err != nil {
					return err
				}
			}
			events = append(events, ev)
		}
		return nil
	}, getRecentEventsQuery, threadID, recentEventLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent events failed: %w", err)
	}
	// The query returns newest first, replay wants chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// formatConversation renders events as role-labelled lines for prompting.
func formatConversation(events []conversationEvent) string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		text := ""
		if v, ok := ev.content["text"].(string); ok {
			text = v
		} else if v, ok := ev.content["message"].(string); ok {
			text = v
		} else if len(ev.content) > 0 {
			raw, _ := json.Marshal(ev.content)
			text = string(raw)
		}
		label := ev.author
		switch ev.author {
		case "user":
			label = "用户"
		case "agent":
			label = "助手"
		case "tool":
			label = "工具"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label, text))
	}
	return strings.Join(lines, "\n")
}

func (w *ConsolidationWorker) generateSummary(ctx context.Context, conversation string) (string, error) {
	out, err := w.model.GenerateContent(ctx, fmt.Sprintf(fastReplayPrompt, conversation))
	if err != nil {
		return "", fmt.Errorf("generate summary failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (w *ConsolidationWorker) extractFacts(ctx context.Context, conversation string) (*factExtraction, error) {
	out, err := w.model.GenerateContent(ctx, fmt.Sprintf(deepReflectionPrompt, conversation))
	if err != nil {
		return nil, fmt.Errorf("extract facts failed: %w", err)
	}
	var extraction factExtraction
	if err := json.Unmarshal([]byte(stripJSONFences(out)), &extraction); err != nil {
		// A malformed response yields nothing rather than failing the job.
		return &factExtraction{}, nil
	}
	return &extraction, nil
}

// stripJSONFences removes markdown code fences around a JSON payload.
func stripJSONFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	}
	if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	if strings.HasSuffix(text, "```") {
		text = text[:len(text)-len("```")]
	}
	return strings.TrimSpace(text)
}

func (w *ConsolidationWorker) storeSummary(
	ctx context.Context,
	threadID, userID, appName, content string,
) (*memory.Memory, error) {
	m := &memory.Memory{
		ThreadID:   threadID,
		UserID:     userID,
		AppName:    appName,
		MemoryType: memory.TypeSummary,
		Content:    content,
		Metadata:   map[string]any{"source": "fast_replay"},
	}
	if err := w.svc.AddMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (w *ConsolidationWorker) storeInsight(
	ctx context.Context,
	threadID, userID, appName, content, importance string,
) (*memory.Memory, error) {
	if importance == "" {
		importance = "medium"
	}
	retention := 0.7
	switch importance {
	case "high":
		retention = 1.0
	case "low":
		retention = 0.4
	}
	m := &memory.Memory{
		ThreadID:       threadID,
		UserID:         userID,
		AppName:        appName,
		MemoryType:     memory.TypeSemantic,
		Content:        content,
		Metadata:       map[string]any{"source": "deep_reflection", "importance": importance},
		RetentionScore: retention,
	}
	if err := w.svc.AddMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (w *ConsolidationWorker) storeFact(
	ctx context.Context,
	threadID, userID, appName, factType, key string,
	value json.RawMessage,
	confidence float64,
) (*memory.Fact, error) {
	if factType == "" {
		factType = memory.FactTypePreference
	}
	if key == "" {
		key = "unknown"
	}
	if len(value) == 0 {
		value = json.RawMessage("{}")
	}
	if confidence == 0 {
		confidence = 1.0
	}
	emb, err := w.svc.opts.embedder.GetEmbedding(ctx, fmt.Sprintf("%s: %s", key, string(value)))
	if err != nil {
		return nil, fmt.Errorf("embed fact failed: %w", err)
	}
	fact := &memory.Fact{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		UserID:     userID,
		AppName:    appName,
		FactType:   factType,
		Key:        key,
		Value:      value,
		Confidence: confidence,
	}
	err = w.svc.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&fact.ID)
	}, upsertFactQuery,
		fact.ID, nullableThreadID(threadID), userID, appName, factType, key,
		[]byte(value), confidence, pgv.NewVector(convertToFloat32(emb)))
	if err != nil {
		return nil, fmt.Errorf("upsert fact failed: %w", err)
	}
	return fact, nil
}

func (w *ConsolidationWorker) createJob(
	ctx context.Context,
	threadID, jobType string,
) (*memory.ConsolidationJob, error) {
	job := &memory.ConsolidationJob{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		JobType:  jobType,
		Status:   memory.JobStatusPending,
	}
	err := w.svc.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&job.CreatedAt)
	}, insertJobQuery, job.ID, threadID, jobType, memory.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("create consolidation job failed: %w", err)
	}
	return job, nil
}

func (w *ConsolidationWorker) updateJobStatus(
	ctx context.Context,
	jobID, status string,
	result map[string]any,
	errMsg string,
) error {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result failed: %w", err)
		}
		resultJSON = data
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	if _, err := w.svc.pgClient.ExecContext(ctx, updateJobStatusQuery, jobID, status, resultJSON, errVal); err != nil {
		return fmt.Errorf("update job status failed: %w", err)
	}
	return nil
}

func (w *ConsolidationWorker) getThreadInfo(ctx context.Context, threadID string) (string, string, error) {
	var userID, appName string
	err := w.svc.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&userID, &appName)
	}, getThreadInfoQuery, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", memory.ErrThreadNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("load thread failed: %w", err)
	}
	return userID, appName, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// Close releases the worker pool.
func (w *ConsolidationWorker) Close() {
	w.pool.Release()
}

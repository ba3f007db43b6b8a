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
	"fmt"
	"strings"

	pgv "github.com/pgvector/pgvector-go"

	"trpc.group/trpc-go/trpc-cogmem-go/memory"
)

// Context item types.
const (
	contextTypeSystem  = "system"
	contextTypeMemory  = "memory"
	contextTypeHistory = "history"
	contextTypeFact    = "fact"
)

// Default token budget and section ratios.
const (
	defaultMaxContextTokens = 8000
	defaultSystemRatio      = 0.1
	defaultMemoryRatio      = 0.3
	defaultHistoryRatio     = 0.4
	defaultFactRatio        = 0.2
)

const (
	assembleMemoriesQuery = `SELECT id, content, retention_score,
1 - (embedding <=> $3) AS similarity
FROM memories
WHERE user_id = $1 AND app_name = $2 AND embedding IS NOT NULL
ORDER BY similarity * retention_score DESC
LIMIT 10`

	assembleHistoryQuery = `SELECT author, content FROM events
WHERE thread_id = $1 AND event_type = 'message'
ORDER BY sequence_num DESC
LIMIT 30`

	assembleFactsQuery = `SELECT id, fact_type, key, value,
COALESCE(1 - (embedding <=> $3), confidence) AS relevance
FROM facts
WHERE user_id = $1 AND app_name = $2
  AND (valid_until IS NULL OR valid_until > NOW())
ORDER BY relevance DESC
LIMIT 10`
)

// ContextAssembler builds a token-budgeted prompt context from memories,
// recent history and user facts.
type ContextAssembler struct {
	svc *Service

	maxTokens    int
	systemRatio  float64
	memoryRatio  float64
	historyRatio float64
	factRatio    float64
}

// AssemblerOption configures the assembler.
type AssemblerOption func(*ContextAssembler)

// WithMaxContextTokens sets the total token budget.
func WithMaxContextTokens(n int) AssemblerOption {
	return func(a *ContextAssembler) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithSectionRatios sets the budget split across sections. The ratios are
// applied per section, not normalized.
func WithSectionRatios(system, mem, history, fact float64) AssemblerOption {
	return func(a *ContextAssembler) {
		a.systemRatio = system
		a.memoryRatio = mem
		a.historyRatio = history
		a.factRatio = fact
	}
}

// NewContextAssembler creates an assembler over a memory service.
func NewContextAssembler(svc *Service, opt ...AssemblerOption) *ContextAssembler {
	a := &ContextAssembler{
		svc:          svc,
		maxTokens:    defaultMaxContextTokens,
		systemRatio:  defaultSystemRatio,
		memoryRatio:  defaultMemoryRatio,
		historyRatio: defaultHistoryRatio,
		factRatio:    defaultFactRatio,
	}
	for _, o := range opt {
		o(a)
	}
	return a
}

// Assemble builds a context window for one model call. Sections are filled
// in fixed order and each is capped by its share of the budget.
func (a *ContextAssembler) Assemble(
	ctx context.Context,
	userID, appName, threadID, query, systemPrompt string,
) (*memory.ContextWindow, error) {
	emb, err := a.svc.opts.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}
	queryVec := pgv.NewVector(convertToFloat32(emb))

	window := &memory.ContextWindow{}
	if systemPrompt != "" {
		tokens := estimateTokens(systemPrompt)
		if tokens <= int(float64(a.maxTokens)*a.systemRatio) {
			a.appendItem(window, memory.ContextItem{
				ContextType:    contextTypeSystem,
				Content:        systemPrompt,
				RelevanceScore: 1.0,
				TokenEstimate:  tokens,
			})
		}
	}

	memories, err := a.retrieveMemories(ctx, userID, appName, queryVec)
	if err != nil {
		return nil, err
	}
	for _, item := range memories {
		a.appendItem(window, item)
	}

	history, err := a.retrieveHistory(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, item := range history {
		a.appendItem(window, item)
	}

	facts, err := a.retrieveFacts(ctx, userID, appName, queryVec)
	if err != nil {
		return nil, err
	}
	for _, item := range facts {
		a.appendItem(window, item)
	}

	window.BudgetUsed = float64(window.TotalTokens) / float64(a.maxTokens)
	return window, nil
}

// appendItem adds an item unless it would exceed the total budget.
func (a *ContextAssembler) appendItem(window *memory.ContextWindow, item memory.ContextItem) {
	if window.TotalTokens+item.TokenEstimate > a.maxTokens {
		return
	}
	window.Items = append(window.Items, item)
	window.TotalTokens += item.TokenEstimate
}

func (a *ContextAssembler) retrieveMemories(
	ctx context.Context,
	userID, appName string,
	queryVec pgv.Vector,
) ([]memory.ContextItem, error) {
	budget := int(float64(a.maxTokens) * a.memoryRatio)
	var items []memory.ContextItem
	var accessed []string
	tokensUsed := 0
	err := a.svc.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var id, content string
			var retention, similarity float64
			if err := rows.Scan(&id, &content, &retention, &similarity); err != nil {
				return err
			}
			tokens := estimateTokens(content)
			if tokensUsed+tokens > budget {
				break
			}
			items = append(items, memory.ContextItem{
				ContextType:    contextTypeMemory,
				Content:        content,
				RelevanceScore: similarity * retention,
				TokenEstimate:  tokens,
				Metadata:       map[string]any{"memory_id": id},
			})
			tokensUsed += tokens
			accessed = append(accessed, id)
		}
		return nil
	}, assembleMemoriesQuery, userID, appName, queryVec)
	if err != nil {
		return nil, fmt.Errorf("retrieve memories failed: %w", err)
	}
	if len(accessed) > 0 {
		if err := a.svc.retention.RecordBatchAccess(ctx, accessed); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (a *ContextAssembler) retrieveHistory(
	ctx context.Context,
	threadID string,
) ([]memory.ContextItem, error) {
	budget := int(float64(a.maxTokens) * a.historyRatio)
	type row struct {
		author  string
		content map[string]any
	}
	var recent []row
	err := a.svc.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var r row
			var contentJSON []byte
			if err := rows.Scan(&r.author, &contentJSON); err != nil {
				return err
			}
			if len(contentJSON) > 0 {
				if err := json.Unmarshal(contentJSON, &r.content); err != nil {
					return err
				}
			}
			recent = append(recent, r)
		}
		return nil
	}, assembleHistoryQuery, threadID)
	if err != nil {
		return nil, fmt.Errorf("retrieve history failed: %w", err)
	}

	// Newest first from the query, replayed oldest first.
	var items []memory.ContextItem
	tokensUsed := 0
	for i := len(recent) - 1; i >= 0; i-- {
		text := ""
		if v, ok := recent[i].content["text"].(string); ok {
			text = v
		} else if len(recent[i].content) > 0 {
			raw, _ := json.Marshal(recent[i].content)
			text = string(raw)
		}
		formatted := fmt.Sprintf("[%s]: %s", recent[i].author, text)
		tokens := estimateTokens(formatted)
		if tokensUsed+tokens > budget {
			break
		}
		items = append(items, memory.ContextItem{
			ContextType:    contextTypeHistory,
			Content:        formatted,
			RelevanceScore: 1.0,
			TokenEstimate:  tokens,
		})
		tokensUsed += tokens
	}
	return items, nil
}

func (a *ContextAssembler) retrieveFacts(
	ctx context.Context,
	userID, appName string,
	queryVec pgv.Vector,
) ([]memory.ContextItem, error) {
	budget := int(float64(a.maxTokens) * a.factRatio)
	var items []memory.ContextItem
	tokensUsed := 0
	err := a.svc.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var id, factType, key string
			var value []byte
			var relevance float64
			if err := rows.Scan(&id, &factType, &key, &value, &relevance); err != nil {
				return err
			}
			content := fmt.Sprintf("[%s] %s: %s", factType, key, string(value))
			tokens := estimateTokens(content)
			if tokensUsed+tokens > budget {
				break
			}
			items = append(items, memory.ContextItem{
				ContextType:    contextTypeFact,
				Content:        content,
				RelevanceScore: relevance,
				TokenEstimate:  tokens,
				Metadata:       map[string]any{"fact_id": id},
			})
			tokensUsed += tokens
		}
		return nil
	}, assembleFactsQuery, userID, appName, queryVec)
	if err != nil {
		return nil, fmt.Errorf("retrieve facts failed: %w", err)
	}
	return items, nil
}

// Format renders a context window as a prompt with labelled sections.
func Format(window *memory.ContextWindow) string {
	sections := map[string][]string{}
	for _, item := range window.Items {
		sections[item.ContextType] = append(sections[item.ContextType], item.Content)
	}
	var parts []string
	if sys := sections[contextTypeSystem]; len(sys) > 0 {
		parts = append(parts, strings.Join(sys, "\n"))
	}
	if facts := sections[contextTypeFact]; len(facts) > 0 {
		parts = append(parts, "## 用户偏好")
		parts = append(parts, facts...)
	}
	if mems := sections[contextTypeMemory]; len(mems) > 0 {
		parts = append(parts, "## 相关记忆")
		parts = append(parts, mems...)
	}
	if hist := sections[contextTypeHistory]; len(hist) > 0 {
		parts = append(parts, "## 对话历史")
		parts = append(parts, hist...)
	}
	return strings.Join(parts, "\n\n")
}

// estimateTokens approximates token count as one token per four characters.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

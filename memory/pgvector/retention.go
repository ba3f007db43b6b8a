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
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lib/pq"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
	"trpc.group/trpc-go/trpc-cogmem-go/memory"
	storage "trpc.group/trpc-go/trpc-cogmem-go/storage/postgres"
)

const (
	// DefaultDecayRate controls both reinforcement and time decay.
	DefaultDecayRate = 0.1
	// DefaultCleanupThreshold is the retention score below which memories
	// become eligible for deletion.
	DefaultCleanupThreshold = 0.1
	// DefaultCleanupMinAgeDays protects recent memories from cleanup even
	// when their score is low.
	DefaultCleanupMinAgeDays = 7
	// defaultMaintenanceInterval is how often scheduled maintenance runs.
	defaultMaintenanceInterval = 24 * time.Hour

	// Retention buckets.
	highRetentionFloor   = 0.7
	mediumRetentionFloor = 0.3
)

const (
	recordAccessQuery = `UPDATE memories
SET access_count = access_count + 1,
	last_accessed_at = NOW(),
	retention_score = calculate_retention_score(access_count + 1, NOW())
WHERE id = $1`

	recordBatchAccessQuery = `UPDATE memories
SET access_count = access_count + 1,
	last_accessed_at = NOW(),
	retention_score = calculate_retention_score(access_count + 1, NOW())
WHERE id = ANY($1)`

	updateAllScoresQuery = `UPDATE memories
SET retention_score = calculate_retention_score(access_count, last_accessed_at)`

	distributionQuery = `SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE retention_score >= 0.7),
	COUNT(*) FILTER (WHERE retention_score >= 0.3 AND retention_score < 0.7),
	COUNT(*) FILTER (WHERE retention_score < 0.3),
	COALESCE(AVG(retention_score), 0)
FROM memories`

	countCleanupQuery = `SELECT COUNT(*) FROM memories
WHERE retention_score < $1 AND created_at < NOW() - INTERVAL '1 day' * $2`

	deleteCleanupQuery = `DELETE FROM memories
WHERE retention_score < $1 AND created_at < NOW() - INTERVAL '1 day' * $2`

	episodicByTimeSliceQuery = `SELECT id, COALESCE(thread_id::text, ''), user_id, app_name, memory_type,
content, metadata, retention_score, access_count, last_accessed_at, created_at
FROM memories
WHERE user_id = $1 AND app_name = $2 AND memory_type = 'episodic'
  AND created_at >= $3 AND created_at < $4
ORDER BY created_at`
)

// RetentionManager implements reinforcement and decay over stored memories.
type RetentionManager struct {
	pgClient storage.Client

	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewRetentionManager creates a retention manager over a storage client.
func NewRetentionManager(client storage.Client) *RetentionManager {
	return &RetentionManager{
		pgClient: client,
		done:     make(chan struct{}),
	}
}

// Score computes the retention score in Go. It must agree with the
// calculate_retention_score SQL function.
func Score(accessCount int, lastAccessedAt time.Time, decayRate float64) float64 {
	ageDays := time.Since(lastAccessedAt).Seconds() / 86400.0
	if ageDays < 0 {
		ageDays = 0
	}
	return (1 - math.Exp(-decayRate*float64(accessCount))) * math.Exp(-decayRate*ageDays)
}

// RecordAccess reinforces one memory.
func (r *RetentionManager) RecordAccess(ctx context.Context, id string) error {
	if _, err := r.pgClient.ExecContext(ctx, recordAccessQuery, id); err != nil {
		return fmt.Errorf("record access failed: %w", err)
	}
	return nil
}

// RecordBatchAccess reinforces a batch of memories in one statement.
func (r *RetentionManager) RecordBatchAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pgClient.ExecContext(ctx, recordBatchAccessQuery, pq.Array(ids)); err != nil {
		return fmt.Errorf("record batch access failed: %w", err)
	}
	return nil
}

// UpdateAllScores recomputes every retention score and returns the number of
// updated rows.
func (r *RetentionManager) UpdateAllScores(ctx context.Context) (int64, error) {
	res, err := r.pgClient.ExecContext(ctx, updateAllScoresQuery)
	if err != nil {
		return 0, fmt.Errorf("update retention scores failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected failed: %w", err)
	}
	return affected, nil
}

// Distribution reports the retention bucket counts.
func (r *RetentionManager) Distribution(ctx context.Context) (*memory.MemoryStats, error) {
	stats := &memory.MemoryStats{}
	err := r.pgClient.QueryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&stats.TotalMemories, &stats.HighRetention,
			&stats.MediumRetention, &stats.LowRetention, &stats.AvgRetentionScore)
	}, distributionQuery)
	if err != nil {
		return nil, fmt.Errorf("retention distribution failed: %w", err)
	}
	return stats, nil
}

// Cleanup deletes memories whose retention score fell below threshold and
// that are at least minAgeDays old. Scores are recomputed first so the
// threshold applies to current values, not stale ones. With dryRun it only
// counts candidates.
func (r *RetentionManager) Cleanup(
	ctx context.Context,
	threshold float64,
	minAgeDays int,
	dryRun bool,
) (*memory.MemoryStats, error) {
	if threshold <= 0 {
		threshold = DefaultCleanupThreshold
	}
	if minAgeDays <= 0 {
		minAgeDays = DefaultCleanupMinAgeDays
	}
	if _, err := r.UpdateAllScores(ctx); err != nil {
		return nil, err
	}
	if dryRun {
		stats := &memory.MemoryStats{}
		err := r.pgClient.QueryRow(ctx, func(row *sql.Row) error {
			return row.Scan(&stats.CleanedCount)
		}, countCleanupQuery, threshold, minAgeDays)
		if err != nil {
			return nil, fmt.Errorf("count cleanup candidates failed: %w", err)
		}
		return stats, nil
	}
	res, err := r.pgClient.ExecContext(ctx, deleteCleanupQuery, threshold, minAgeDays)
	if err != nil {
		return nil, fmt.Errorf("cleanup memories failed: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected failed: %w", err)
	}
	stats, err := r.Distribution(ctx)
	if err != nil {
		return nil, err
	}
	stats.CleanedCount = int(deleted)
	return stats, nil
}

// EpisodicByTimeSlice lists episodic memories created in [start, end),
// oldest first. Used by consolidation to replay a time window.
func (r *RetentionManager) EpisodicByTimeSlice(
	ctx context.Context,
	userID, appName string,
	start, end time.Time,
) ([]*memory.Memory, error) {
	var memories []*memory.Memory
	err := r.pgClient.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			memories = append(memories, m)
		}
		return nil
	}, episodicByTimeSliceQuery, userID, appName, start, end)
	if err != nil {
		return nil, fmt.Errorf("list episodic memories failed: %w", err)
	}
	return memories, nil
}

// StartScheduled runs score updates and cleanup on a fixed interval until
// Stop is called. A non-positive interval uses the default of 24 hours.
func (r *RetentionManager) StartScheduled(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	r.ticker = time.NewTicker(interval)
	r.started = true
	go func() {
		for {
			select {
			case <-r.ticker.C:
				r.runMaintenance()
			case <-r.done:
				return
			}
		}
	}()
}

// Stop halts scheduled maintenance.
func (r *RetentionManager) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.ticker != nil {
			r.ticker.Stop()
		}
		close(r.done)
	})
}

func (r *RetentionManager) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	stats, err := r.Cleanup(ctx, DefaultCleanupThreshold, DefaultCleanupMinAgeDays, false)
	if err != nil {
		log.Errorf("retention: cleanup failed: %v", err)
		return
	}
	log.Infof("retention: maintenance done, cleaned=%d total=%d",
		stats.CleanedCount, stats.TotalMemories)
}

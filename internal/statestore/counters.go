package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aifixd/internal/model"
)

const (
	highCostAlertsKey = "alerts:highcost"
	highCostAlertsCap = 100
	executionRingKey  = "executions:ring"
	executionRingCap  = 1000
)

// executionRecord is one entry in the 1000-deep execution ring.
type executionRecord struct {
	TaskID        string    `json:"taskId"`
	Model         string    `json:"model"`
	Success       bool      `json:"success"`
	NumTurns      int       `json:"numTurns"`
	CostUSD       float64   `json:"costUsd"`
	ExecutionTime int64     `json:"executionTimeMs"`
	RecordedAt    time.Time `json:"recordedAt"`
}

func dayCounterKey(t time.Time) string {
	return "counters:day:" + t.UTC().Format("2006-01-02")
}

func modelCounterKey(model string) string {
	return "counters:model:" + model
}

// recordExecution updates the per-day/per-model counters, the high-cost
// alert list, and the execution ring for one terminal task outcome.
func (s *Store) recordExecution(ctx context.Context, ts *model.TaskState, success bool) {
	now := time.Now()
	executionTimeMs := now.Sub(ts.CreatedAt).Milliseconds()

	for _, key := range []string{dayCounterKey(now), modelCounterKey(ts.Model)} {
		pipe := s.rdb.TxPipeline()
		pipe.HIncrBy(ctx, key, "total", 1)
		if success {
			pipe.HIncrBy(ctx, key, "successful", 1)
		} else {
			pipe.HIncrBy(ctx, key, "failed", 1)
		}
		pipe.HIncrByFloat(ctx, key, "cost", ts.CostUSD)
		pipe.HIncrBy(ctx, key, "turns", int64(ts.NumTurns))
		pipe.HIncrBy(ctx, key, "executionTimeMs", executionTimeMs)
		_, _ = pipe.Exec(ctx)
	}

	record := executionRecord{
		TaskID: ts.TaskID, Model: ts.Model, Success: success,
		NumTurns: ts.NumTurns, CostUSD: ts.CostUSD,
		ExecutionTime: executionTimeMs, RecordedAt: now,
	}
	if data, err := json.Marshal(record); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.LPush(ctx, executionRingKey, data)
		pipe.LTrim(ctx, executionRingKey, 0, executionRingCap-1)
		_, _ = pipe.Exec(ctx)
	}
}

// CostThresholdExceeded appends a task to the capped high-cost alert list
// when its cost exceeds the configured threshold, trimming to the 100
// highest-cost entries.
func (s *Store) CostThresholdExceeded(ctx context.Context, ts *model.TaskState, threshold float64) error {
	if ts.CostUSD <= threshold {
		return nil
	}
	member, err := json.Marshal(map[string]any{
		"taskId": ts.TaskID, "model": ts.Model, "costUsd": ts.CostUSD, "at": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encoding high-cost alert for %s: %w", ts.TaskID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, highCostAlertsKey, redis.Z{Score: ts.CostUSD, Member: member})
	pipe.ZRemRangeByRank(ctx, highCostAlertsKey, 0, -highCostAlertsCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// DayCounters returns the aggregate counters for the UTC day t falls in.
func (s *Store) DayCounters(ctx context.Context, t time.Time) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, dayCounterKey(t)).Result()
}

// ModelCounters returns the aggregate counters for a given model label.
func (s *Store) ModelCounters(ctx context.Context, model string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, modelCounterKey(model)).Result()
}

// RecentExecutions returns up to limit most-recent entries from the
// execution ring, newest first.
func (s *Store) RecentExecutions(ctx context.Context, limit int64) ([]executionRecord, error) {
	if limit <= 0 || limit > executionRingCap {
		limit = executionRingCap
	}
	raw, err := s.rdb.LRange(ctx, executionRingKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading execution ring: %w", err)
	}
	out := make([]executionRecord, 0, len(raw))
	for _, r := range raw {
		var rec executionRecord
		if json.Unmarshal([]byte(r), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

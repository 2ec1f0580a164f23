// Package statestore implements the State Store (spec.md §4.3) on top of
// Redis: TaskState persistence, aggregate counters, a high-cost alert list,
// an execution ring, and three pub/sub streams per task.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aifixd/internal/model"
)

// Store is the Redis-backed State Store. One Store serves the whole daemon.
type Store struct {
	rdb       *redis.Client
	retention time.Duration
}

// New wraps an already-connected redis.Client. retention is the expiry set on
// each task record when it is saved; the execution ring, the counters and
// CleanupOldTasks (which takes its own maxAge) do not use it.
func New(rdb *redis.Client, retention time.Duration) *Store {
	return &Store{rdb: rdb, retention: retention}
}

func taskKey(taskID string) string   { return "task:" + taskID }
func logChannel(taskID string) string   { return "task:" + taskID + ":log" }
func diffChannel(taskID string) string  { return "task:" + taskID + ":diff" }
func stateChannel(taskID string) string { return "task:" + taskID + ":state" }

const activeTasksKey = "tasks:active"

var resumableStates = map[model.TaskStateKind]bool{
	model.StateProcessing:      true,
	model.StateClaudeExecution: true,
	model.StatePostProcessing:  true,
}

// CreateTask persists a brand-new TaskState and tracks it as active.
func (s *Store) CreateTask(ctx context.Context, ts *model.TaskState) error {
	return s.save(ctx, ts, true)
}

// UpdateTask overwrites the task's state and appends a history entry.
func (s *Store) UpdateTask(ctx context.Context, taskID string, state model.TaskStateKind, reason string, metadata map[string]any) (*model.TaskState, error) {
	ts, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ts.AppendHistory(state, reason, metadata)
	if err := s.save(ctx, ts, !state.IsTerminal()); err != nil {
		return nil, err
	}
	s.publish(ctx, stateChannel(taskID), map[string]any{"state": state, "reason": reason, "at": ts.UpdatedAt})
	return ts, nil
}

// UpdateHistoryMetadata merges metadata into the most recent history entry
// without transitioning state, e.g. to attach a container ID mid-execution.
func (s *Store) UpdateHistoryMetadata(ctx context.Context, taskID string, metadata map[string]any) error {
	ts, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if len(ts.History) == 0 {
		return fmt.Errorf("task %s has no history to annotate", taskID)
	}
	last := &ts.History[len(ts.History)-1]
	if last.Metadata == nil {
		last.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		last.Metadata[k] = v
	}
	ts.UpdatedAt = time.Now()
	return s.save(ctx, ts, !ts.State.IsTerminal())
}

// MarkFailed finalizes the task as FAILED with the given error detail.
func (s *Store) MarkFailed(ctx context.Context, taskID string, detail model.ErrorDetail, reason string) (*model.TaskState, error) {
	ts, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ts.LastError = &detail
	ts.AppendHistory(model.StateFailed, reason, map[string]any{"category": detail.Category})
	if err := s.save(ctx, ts, false); err != nil {
		return nil, err
	}
	s.publish(ctx, stateChannel(taskID), map[string]any{"state": model.StateFailed, "reason": reason})
	s.recordExecution(ctx, ts, false)
	return ts, nil
}

// MarkCompleted finalizes the task as COMPLETED_WITH_PR or
// COMPLETED_NO_CHANGES and records the final execution in the counters/ring.
func (s *Store) MarkCompleted(ctx context.Context, taskID string, result *model.PRResult, numTurns int, costUSD float64) (*model.TaskState, error) {
	ts, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	finalState := model.StateCompletedNoChanges
	if result != nil {
		finalState = model.StateCompletedWithPR
		ts.PRResult = result
	}
	ts.NumTurns = numTurns
	ts.CostUSD = costUSD
	ts.AppendHistory(finalState, "completed", nil)
	if err := s.save(ctx, ts, false); err != nil {
		return nil, err
	}
	s.publish(ctx, stateChannel(taskID), map[string]any{"state": finalState})
	s.recordExecution(ctx, ts, true)
	return ts, nil
}

// GetTask fetches a TaskState by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.TaskState, error) {
	data, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, fmt.Errorf("reading task %s: %w", taskID, err)
	}
	var ts model.TaskState
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &ts, nil
}

// ListResumable returns every active task whose state is one of {PROCESSING,
// CLAUDE_EXECUTION, POST_PROCESSING}, flagging entries stale when
// now - updatedAt exceeds staleThreshold.
type ResumableEntry struct {
	Task  *model.TaskState
	Stale bool
}

func (s *Store) ListResumable(ctx context.Context, staleThreshold time.Duration) ([]ResumableEntry, error) {
	ids, err := s.rdb.SMembers(ctx, activeTasksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active tasks: %w", err)
	}

	var out []ResumableEntry
	now := time.Now()
	for _, id := range ids {
		ts, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if !resumableStates[ts.State] {
			continue
		}
		out = append(out, ResumableEntry{Task: ts, Stale: now.Sub(ts.UpdatedAt) > staleThreshold})
	}
	return out, nil
}

// GetResumable returns the task only if it is currently in a resumable
// state, flagging staleness the same way ListResumable does.
func (s *Store) GetResumable(ctx context.Context, taskID string, staleThreshold time.Duration) (*ResumableEntry, error) {
	ts, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !resumableStates[ts.State] {
		return nil, nil
	}
	return &ResumableEntry{Task: ts, Stale: time.Since(ts.UpdatedAt) > staleThreshold}, nil
}

// CleanupOldTasks removes terminal task records older than maxAge.
func (s *Store) CleanupOldTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.rdb.Keys(ctx, "task:*").Result()
	if err != nil {
		return 0, fmt.Errorf("listing task keys: %w", err)
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, key := range ids {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var ts model.TaskState
		if json.Unmarshal(data, &ts) != nil {
			continue
		}
		if ts.State.IsTerminal() && ts.UpdatedAt.Before(cutoff) {
			s.rdb.Del(ctx, key)
			s.rdb.SRem(ctx, activeTasksKey, ts.TaskID)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) save(ctx context.Context, ts *model.TaskState, active bool) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", ts.TaskID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(ts.TaskID), data, s.retention)
	if active {
		pipe.SAdd(ctx, activeTasksKey, ts.TaskID)
	} else {
		pipe.SRem(ctx, activeTasksKey, ts.TaskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persisting task %s: %w", ts.TaskID, err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, channel string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.rdb.Publish(ctx, channel, data)
}

// PublishLogChunk forwards a chunk of subprocess stdout to the task's log
// stream. Best-effort: publish failures never block the caller's pipeline.
func (s *Store) PublishLogChunk(ctx context.Context, taskID, chunk string) {
	s.rdb.Publish(ctx, logChannel(taskID), chunk)
}

// PublishDiff replaces the task's current working-tree diff on its diff
// stream. Each publish is a complete replacement, not an incremental patch.
func (s *Store) PublishDiff(ctx context.Context, taskID, diff string) {
	s.rdb.Publish(ctx, diffChannel(taskID), diff)
}

// SubscribeLog, SubscribeDiff and SubscribeState attach to a task's logical
// channel. Callers must Close the returned PubSub when done.
func (s *Store) SubscribeLog(ctx context.Context, taskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, logChannel(taskID))
}

func (s *Store) SubscribeDiff(ctx context.Context, taskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, diffChannel(taskID))
}

func (s *Store) SubscribeState(ctx context.Context, taskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, stateChannel(taskID))
}

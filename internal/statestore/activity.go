package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	activityLogKey = "poller:activity"
	activityLogCap = 1000
)

// ActivityEntry is one row in the poller's dashboard activity log (spec.md
// §4.6 step 3) — the same capped-list shape as the execution ring.
type ActivityEntry struct {
	Owner     string    `json:"owner"`
	Repo      string    `json:"repo"`
	Number    int       `json:"number"`
	Model     string    `json:"model"`
	JobID     string    `json:"jobId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// RecordActivity appends one dashboard activity entry, trimming the log to
// its most recent activityLogCap rows.
func (s *Store) RecordActivity(ctx context.Context, entry ActivityEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding activity entry: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, activityLogKey, data)
	pipe.LTrim(ctx, activityLogKey, 0, activityLogCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentActivity returns up to limit most-recent dashboard activity entries,
// newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int64) ([]ActivityEntry, error) {
	if limit <= 0 || limit > activityLogCap {
		limit = activityLogCap
	}
	raw, err := s.rdb.LRange(ctx, activityLogKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading activity log: %w", err)
	}
	out := make([]ActivityEntry, 0, len(raw))
	for _, r := range raw {
		var entry ActivityEntry
		if json.Unmarshal([]byte(r), &entry) == nil {
			out = append(out, entry)
		}
	}
	return out, nil
}

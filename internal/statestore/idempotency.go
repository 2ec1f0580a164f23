package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const idempotencySetKey = "idempotency:comments"

// IdempotencyKey derives a short (12 hex chars) hash of a task ID and comment
// kind, suitable for embedding in a posted comment body. No worker currently
// calls it.
func IdempotencyKey(taskID, kind string) string {
	sum := sha256.Sum256([]byte(taskID + "|" + kind))
	return hex.EncodeToString(sum[:])[:12]
}

// SeenComment reports whether idempotencyKey was already recorded, and
// records it if not, atomically — a "first caller wins" dedupe check for a
// task+kind pair. No worker currently calls it.
func (s *Store) SeenComment(ctx context.Context, idempotencyKey string) (bool, error) {
	added, err := s.rdb.SAdd(ctx, idempotencySetKey, idempotencyKey).Result()
	if err != nil {
		return false, fmt.Errorf("checking idempotency key %s: %w", idempotencyKey, err)
	}
	return added == 0, nil
}

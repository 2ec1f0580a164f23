// Package queue implements the Queue (spec.md §4.4) on Redis: a ready list
// per queue name plus a delayed sorted set promoted by a background
// sweeper, the standard Redis delayed-queue pattern.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"aifixd/internal/corelog"
)

// Job is one enqueued unit of work.
type Job struct {
	Name          string          `json:"name"`
	JobID         string          `json:"jobId"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"maxAttempts"`
	BaseDelayMS   int64           `json:"baseDelayMs"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
}

// AddOptions configures Add's enqueue behavior.
type AddOptions struct {
	JobID       string
	Delay       time.Duration
	Attempts    int
	BaseDelayMS int64
}

// Handler processes one job's payload. A returned error triggers the
// backoff-and-retry contract; nil marks the job as consumed.
type Handler func(ctx context.Context, job Job) error

// Queue is a single named Redis-backed queue.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New returns a handle on the named queue. Multiple Queue values sharing an
// rdb client may coexist side by side under distinct names.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) readyKey() string   { return "queue:" + q.name + ":ready" }
func (q *Queue) delayedKey() string { return "queue:" + q.name + ":delayed" }
func (q *Queue) seenKey() string    { return "queue:" + q.name + ":seen" }

// Add enqueues a job, silently dropping it if its JobID has been added
// before. JobIDs are kept in a seen set that is not pruned when a job is
// consumed, so a JobID stays taken after its job has run; only Delay
// releases one.
func (q *Queue) Add(ctx context.Context, jobName string, payload any, opts AddOptions) error {
	if opts.JobID != "" {
		isNew, err := q.rdb.SAdd(ctx, q.seenKey(), opts.JobID).Result()
		if err != nil {
			return fmt.Errorf("checking job dedup for %s: %w", opts.JobID, err)
		}
		if isNew == 0 {
			corelog.Debug("dropping duplicate job %s (jobId=%s)", jobName, opts.JobID)
			return nil
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for job %s: %w", jobName, err)
	}

	maxAttempts := opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseDelay := opts.BaseDelayMS
	if baseDelay <= 0 {
		baseDelay = 1000
	}

	job := Job{
		Name: jobName, JobID: opts.JobID, Payload: raw,
		Attempt: 0, MaxAttempts: maxAttempts, BaseDelayMS: baseDelay,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job envelope: %w", err)
	}

	if opts.Delay <= 0 {
		return q.rdb.RPush(ctx, q.readyKey(), data).Err()
	}
	dueAt := float64(time.Now().Add(opts.Delay).Unix())
	return q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: dueAt, Member: data}).Err()
}

// Delay re-enqueues job's payload under the same JobID after an added
// delay, a convenience wrapper used by requeue-on-usage-limit flows.
func (q *Queue) Delay(ctx context.Context, job Job, delay time.Duration) error {
	var payload any
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding payload for requeue: %w", err)
	}
	if job.JobID != "" {
		if err := q.rdb.SRem(ctx, q.seenKey(), job.JobID).Err(); err != nil {
			return fmt.Errorf("clearing dedup entry for %s: %w", job.JobID, err)
		}
	}
	return q.Add(ctx, job.Name, payload, AddOptions{
		JobID: job.JobID, Delay: delay, Attempts: job.MaxAttempts, BaseDelayMS: job.BaseDelayMS,
	})
}

// backoffDelay computes an exponential backoff delay for the given attempt
// number (1-indexed), based on the job's configured base delay.
func backoffDelay(attempt int, baseDelayMS int64) time.Duration {
	ms := float64(baseDelayMS) * math.Pow(2, float64(attempt-1))
	jitter := rand.Int63n(int64(ms/4) + 1)
	return time.Duration(ms)*time.Millisecond + time.Duration(jitter)*time.Millisecond
}

// Consume blocks, pulling jobs off the ready list with BLPOP and dispatching
// them across concurrency worker goroutines. On handler error it retries up
// to MaxAttempts with exponential backoff; on exhaustion an error is logged
// and the job is discarded (it is not kept in any failed-job store).
func (q *Queue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		result, err := q.rdb.BLPop(ctx, 5*time.Second, q.readyKey()).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			corelog.Warn("BLPOP on %s failed: %v", q.readyKey(), err)
			continue
		}
		if len(result) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			corelog.Error("dropping undecodable job envelope on %s: %v", q.name, err)
			continue
		}

		sem <- struct{}{}
		go func(job Job) {
			defer func() { <-sem }()
			q.dispatch(ctx, handler, job)
		}(job)
	}
}

func (q *Queue) dispatch(ctx context.Context, handler Handler, job Job) {
	job.Attempt++
	err := handler(ctx, job)
	if err == nil {
		return
	}

	if job.Attempt >= job.MaxAttempts {
		corelog.ErrorWith("job exhausted retries, entering failed-terminal state",
			"queue", q.name, "jobId", job.JobID, "correlationId", job.CorrelationID, "error", err)
		return
	}

	delay := backoffDelay(job.Attempt, job.BaseDelayMS)
	corelog.WarnWith("job failed, scheduling retry",
		"queue", q.name, "jobId", job.JobID, "attempt", job.Attempt, "delay", delay, "error", err)

	data, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		corelog.Error("failed to re-marshal job %s for retry: %v", job.JobID, marshalErr)
		return
	}
	dueAt := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: dueAt, Member: data}).Err(); err != nil {
		corelog.Error("failed to schedule retry for job %s: %v", job.JobID, err)
	}
}

// RunSweeper promotes due entries from the delayed sorted set into the
// ready list, polling every interval until ctx is cancelled.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepOnce(ctx)
		}
	}
}

func (q *Queue) sweepOnce(ctx context.Context) {
	now := float64(time.Now().Unix())
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		corelog.Warn("sweeping delayed queue %s failed: %v", q.name, err)
		return
	}
	for _, member := range due {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), member)
		pipe.RPush(ctx, q.readyKey(), member)
		if _, err := pipe.Exec(ctx); err != nil {
			corelog.Warn("promoting delayed job on %s failed: %v", q.name, err)
		}
	}
}

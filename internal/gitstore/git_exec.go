package gitstore

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"aifixd/internal/corelog"
)

// run executes `git <args...>` in dir, returning combined stdout+stderr.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// runWithRetry wraps run in the backoff contract from spec.md §4.1: base 1s,
// factor 2, cap 30s, max 5 attempts, retried only for transient-looking
// failures per classify.IsRetryable.
func runWithRetry(ctx context.Context, dir string, args ...string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	bo := backoff.WithMaxRetries(backoff.WithContext(b, ctx), 4)

	var out string
	op := func() error {
		var err error
		out, err = run(ctx, dir, args...)
		if err != nil && IsRetryable(out) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	timer := corelog.StartTimer(fmt.Sprintf("git %v", args))
	err := backoff.Retry(op, bo)
	timer.LogElapsedWith("git command finished", "dir", dir)
	return out, err
}

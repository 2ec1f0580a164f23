// Package worker implements the Issue Worker (spec.md §4.7) and the
// PR-Comment Worker (spec.md §4.8).
package worker

import (
	"github.com/gammazero/workerpool"
)

// Pool bounds how many heavy job executions (clone/worktree/container work)
// run concurrently, decoupled from the queue's own BLPOP/dispatch
// concurrency — the same gammazero/workerpool used by the teacher's
// JobDispatcher to bound per-message processing goroutines.
type Pool struct {
	wp *workerpool.WorkerPool
}

// NewPool creates a Pool with size concurrent execution slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{wp: workerpool.New(size)}
}

// Run submits fn to the pool and blocks until it completes, returning
// whatever error fn produced.
func (p *Pool) Run(fn func() error) error {
	done := make(chan error, 1)
	p.wp.Submit(func() {
		done <- fn()
	})
	return <-done
}

// Stop waits for queued and running tasks to finish, then releases workers.
func (p *Pool) Stop() {
	p.wp.StopWait()
}

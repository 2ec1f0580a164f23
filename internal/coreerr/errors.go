// Package coreerr defines the typed error categories a task can fail with
// (spec.md §7), following the teacher's core package's pattern of small
// wrapper error types discoverable via errors.As rather than string
// matching.
package coreerr

import (
	"errors"
	"fmt"
	"time"
)

// Category is one of the nine terminal failure categories in spec.md §7.
type Category string

const (
	CategoryClone          Category = "clone"
	CategoryWorktree       Category = "worktree"
	CategoryContainer      Category = "container"
	CategorySubprocess     Category = "subprocess"
	CategoryUsageLimit     Category = "usage_limit"
	CategoryCostExceeded   Category = "cost_exceeded"
	CategoryPush           Category = "push"
	CategoryPR             Category = "pr"
	CategoryInternal       Category = "internal"
)

// TaskError is the typed error attached to a task's terminal FAILED state.
// Stage records the pipeline step that raised it (e.g. "clone", "push").
type TaskError struct {
	Cat   Category
	Stage string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s (stage=%s): %v", e.Cat, e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError wraps err with a category and pipeline stage.
func NewTaskError(cat Category, stage string, err error) *TaskError {
	return &TaskError{Cat: cat, Stage: stage, Err: err}
}

// IsTaskError reports whether err (or something it wraps) is a *TaskError,
// returning it for category/stage inspection.
func IsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// UsageLimitError signals the container's model usage limit was hit mid-run.
// The workers mark the task FAILED, requeue its job with a delay that runs
// past ResetAt, and then record the task as REQUEUED (spec.md §4.7 step 5).
type UsageLimitError struct {
	ResetAt time.Time
	Raw     string
}

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("usage limit reached, resets at %s: %s", e.ResetAt.Format(time.RFC3339), e.Raw)
}

// IsUsageLimitError reports whether err is a *UsageLimitError.
func IsUsageLimitError(err error) (*UsageLimitError, bool) {
	var ule *UsageLimitError
	if errors.As(err, &ule) {
		return ule, true
	}
	return nil, false
}

// SubprocessError wraps a non-zero or malformed container subprocess exit,
// mirroring the teacher's ErrClaudeCommandErr.
type SubprocessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *SubprocessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subprocess exited %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("subprocess exited %d: %s", e.ExitCode, e.Stderr)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// IsSubprocessError reports whether err is a *SubprocessError.
func IsSubprocessError(err error) (*SubprocessError, bool) {
	var se *SubprocessError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ParseError wraps a failure to decode a line of the container's
// line-delimited JSON protocol, mirroring the teacher's ClaudeParseError.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing container output line: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is a *ParseError.
func IsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

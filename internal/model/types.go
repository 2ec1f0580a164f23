// Package model holds the shared data types passed between the poller, the
// queue, the workers, the state store and the live stream API.
package model

import (
	"strconv"
	"time"
)

// IssueRef identifies a hosting-service issue. It is read-only, sourced from
// the Hosting-Service Adapter on every poll.
type IssueRef struct {
	Owner     string
	Repo      string
	Number    int
	Title     string
	Body      string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName returns "owner/repo" for the issue's repository.
func (i IssueRef) FullName() string {
	return i.Owner + "/" + i.Repo
}

// JobKind distinguishes the payload shape carried by a queued Job.
type JobKind string

const (
	JobKindIssue      JobKind = "issue"
	JobKindPRComment  JobKind = "pr-comment"
	JobKindTaskImport JobKind = "task-import"
)

// IssueJobPayload is the payload for a JobKindIssue job: one per (issue, model).
type IssueJobPayload struct {
	Owner           string    `json:"owner"`
	Repo            string    `json:"repo"`
	Number          int       `json:"number"`
	Model           string    `json:"model"`
	CorrelationID   string    `json:"correlationId"`
	RetryNotice     string    `json:"retryNotice,omitempty"`
	EnqueuedAtEpoch int64     `json:"enqueuedAtEpoch"`
}

// TaskID returns the fingerprint "{owner}-{repo}-{number}-{model}" for the job.
func (p IssueJobPayload) TaskID() string {
	return p.Owner + "-" + p.Repo + "-" + strconv.Itoa(p.Number) + "-" + p.Model
}

// PRCommentJobPayload is the payload for a JobKindPRComment batch job.
type PRCommentJobPayload struct {
	Owner         string            `json:"owner"`
	Repo          string            `json:"repo"`
	PRNumber      int               `json:"prNumber"`
	Branch        string            `json:"branch"`
	Model         string            `json:"model"`
	CorrelationID string            `json:"correlationId"`
	Comments      []UnprocessedComment `json:"comments"`
}

// UnprocessedComment is a single comment surviving the poller's trigger-keyword
// and allow/blacklist filtering in §4.6 step 4.
type UnprocessedComment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskStateKind enumerates the states in the §4.7 state machine.
type TaskStateKind string

const (
	StatePending             TaskStateKind = "PENDING"
	StateProcessing          TaskStateKind = "PROCESSING"
	StateClaudeExecution     TaskStateKind = "CLAUDE_EXECUTION"
	StatePostProcessing      TaskStateKind = "POST_PROCESSING"
	StateCompletedWithPR     TaskStateKind = "COMPLETED_WITH_PR"
	StateCompletedNoChanges  TaskStateKind = "COMPLETED_NO_CHANGES"
	StateFailed              TaskStateKind = "FAILED"
	StateRequeued            TaskStateKind = "REQUEUED"
)

// IsTerminal reports whether a state ends the task's lifecycle (§3 invariant 1).
func (s TaskStateKind) IsTerminal() bool {
	switch s {
	case StateCompletedWithPR, StateCompletedNoChanges, StateFailed, StateRequeued:
		return true
	default:
		return false
	}
}

// HistoryEntry is one append-only row in TaskState.History.
type HistoryEntry struct {
	At       time.Time      `json:"at"`
	State    TaskStateKind  `json:"state"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PRResult carries the outcome of PR reconciliation (§4.7 step 7).
type PRResult struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Head   string `json:"head"`
	Base   string `json:"base"`
	Label  string `json:"label"`
}

// TaskState is the per-task record persisted by the State Store, keyed by
// TaskID = "{owner}-{repo}-{number}-{model}".
type TaskState struct {
	TaskID        string          `json:"taskId"`
	Owner         string          `json:"owner"`
	Repo          string          `json:"repo"`
	IssueNumber   int             `json:"issueNumber"`
	Model         string          `json:"model"`
	State         TaskStateKind   `json:"state"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Attempts      int             `json:"attempts"`
	History       []HistoryEntry  `json:"history"`
	SessionID     string          `json:"sessionId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	ContainerID   string          `json:"containerId,omitempty"`
	ContainerName string          `json:"containerName,omitempty"`
	LastError     *ErrorDetail    `json:"lastError,omitempty"`
	PRResult      *PRResult       `json:"prResult,omitempty"`
	BranchName    string          `json:"branchName,omitempty"`
	WorktreePath  string          `json:"worktreePath,omitempty"`
	NumTurns      int             `json:"numTurns,omitempty"`
	CostUSD       float64         `json:"costUsd,omitempty"`
}

// AppendHistory appends a transition and bumps UpdatedAt. The slice is never
// mutated in place beyond append, preserving the append-only invariant.
func (t *TaskState) AppendHistory(state TaskStateKind, reason string, metadata map[string]any) {
	t.State = state
	t.UpdatedAt = time.Now()
	t.History = append(t.History, HistoryEntry{
		At:       t.UpdatedAt,
		State:    state,
		Reason:   reason,
		Metadata: metadata,
	})
}

// ErrorDetail records a FAILED transition's category and message (§7).
type ErrorDetail struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Stage    string `json:"stage"`
	Branch   string `json:"branch,omitempty"`
}

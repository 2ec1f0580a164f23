package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"aifixd/internal/config"
	"aifixd/internal/container"
	"aifixd/internal/corelog"
	"aifixd/internal/coreerr"
	"aifixd/internal/gitstore"
	"aifixd/internal/hosting"
	"aifixd/internal/model"
	"aifixd/internal/queue"
	"aifixd/internal/statestore"
)

// PRCommentWorker runs the algorithm in spec.md §4.8 for one
// processPrComments batch job: apply every unprocessed, trigger-keyword
// follow-up comment on a bot-authored PR in a single subprocess pass.
type PRCommentWorker struct {
	cfg     *config.Config
	hosting hosting.Client
	git     *gitstore.Store
	runner  *container.Runner
	store   *statestore.Store
	queue   *queue.Queue
}

// NewPRCommentWorker constructs a PRCommentWorker over its collaborators.
func NewPRCommentWorker(cfg *config.Config, h hosting.Client, git *gitstore.Store, runner *container.Runner, store *statestore.Store, q *queue.Queue) *PRCommentWorker {
	return &PRCommentWorker{cfg: cfg, hosting: h, git: git, runner: runner, store: store, queue: q}
}

// Handle is the queue.Handler entry point for JobKindPRComment jobs.
func (w *PRCommentWorker) Handle(ctx context.Context, job queue.Job) error {
	var payload model.PRCommentJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding pr-comment job payload: %w", err)
	}
	return w.process(ctx, job.JobID, payload)
}

func prWorktreeDirName(owner, repo string, prNumber int) string {
	return fmt.Sprintf("%s-%s-pr-%d", owner, repo, prNumber)
}

func (w *PRCommentWorker) process(ctx context.Context, taskID string, payload model.PRCommentJobPayload) error {
	corelog.InfoWith("starting pr-comment task", "taskId", taskID, "owner", payload.Owner, "repo", payload.Repo, "prNumber", payload.PRNumber)

	// Re-read the PR's current comments and drop any of the payload's
	// candidates that were acknowledged between enqueue and now, since
	// another job may have handled them in the meantime.
	fresh, err := w.hosting.ListIssueComments(ctx, payload.Owner, payload.Repo, payload.PRNumber)
	if err != nil {
		return fmt.Errorf("re-reading comments on %s/%s#%d: %w", payload.Owner, payload.Repo, payload.PRNumber, err)
	}
	reviewComments, err := w.hosting.ListReviewComments(ctx, payload.Owner, payload.Repo, payload.PRNumber)
	if err != nil {
		corelog.Error("listing review comments on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.PRNumber, err)
	}
	history := append(append([]hosting.Comment{}, fresh...), reviewComments...)

	unprocessed := stillUnprocessed(payload.Comments, history)
	if len(unprocessed) == 0 {
		corelog.InfoWith("dropping pr-comment job, nothing left unprocessed", "taskId", taskID)
		return nil
	}

	now := time.Now()
	ts := &model.TaskState{
		TaskID: taskID, Owner: payload.Owner, Repo: payload.Repo, IssueNumber: payload.PRNumber,
		Model: payload.Model, State: model.StatePending, CreatedAt: now, UpdatedAt: now,
	}
	if err := w.store.CreateTask(ctx, ts); err != nil {
		return fmt.Errorf("creating task state for %s: %w", taskID, err)
	}

	var (
		clonePath string
		worktree  gitstore.WorktreeInfo
	)
	defer func() {
		if worktree.WorktreePath == "" {
			return
		}
		w.git.CleanupWorktree(ctx, clonePath, worktree.WorktreePath, worktree.BranchName, gitstore.CleanupOptions{
			DeleteBranch:      false,
			RetentionStrategy: gitstore.RetentionStrategy(w.cfg.WorktreeRetentionStrategy),
			RetentionHours:    w.cfg.WorktreeRetentionHours,
		})
	}()

	ackComment := acknowledgmentComment(unprocessed)
	if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.PRNumber, ackComment); err != nil {
		corelog.Error("posting ack comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.PRNumber, err)
	}

	if _, err := w.store.UpdateTask(ctx, taskID, model.StateProcessing, "acknowledged comments", nil); err != nil {
		corelog.Error("updating task %s to PROCESSING: %v", taskID, err)
	}

	token, refreshToken, err := w.hosting.Auth(ctx)
	if err != nil {
		return w.markFailedPR(ctx, taskID, coreerr.CategoryInternal, "auth", err)
	}

	clonePath, err = w.git.EnsureClone(ctx, payload.Owner, payload.Repo, repoCloneURL(payload.Owner, payload.Repo), token)
	if err != nil {
		return w.markFailedPR(ctx, taskID, coreerr.CategoryClone, "ensure-clone", err)
	}

	worktree, err = w.git.CreateWorktreeFromExistingBranch(ctx, clonePath, payload.Branch, prWorktreeDirName(payload.Owner, payload.Repo, payload.PRNumber), payload.Owner, payload.Repo)
	if err != nil {
		return w.markFailedPR(ctx, taskID, coreerr.CategoryWorktree, "create-worktree", err)
	}

	if _, err := w.store.UpdateTask(ctx, taskID, model.StateProcessing, "worktree ready", map[string]any{
		"branchName": worktree.BranchName, "worktreePath": worktree.WorktreePath,
	}); err != nil {
		corelog.Error("recording worktree metadata for %s: %v", taskID, err)
	}

	requestBodies := make([]string, 0, len(unprocessed))
	for _, c := range unprocessed {
		requestBodies = append(requestBodies, fmt.Sprintf("%s: %s", c.Author, c.Body))
	}
	prompt := buildPRFollowupPrompt(payload.Owner, payload.Repo, worktree.WorktreePath, requestBodies, history)

	if _, err := w.store.UpdateTask(ctx, taskID, model.StateClaudeExecution, "invoking subprocess", nil); err != nil {
		corelog.Error("updating task %s to CLAUDE_EXECUTION: %v", taskID, err)
	}

	result, runErr := w.runner.Run(ctx, container.RunOptions{
		Image: w.cfg.ContainerImage, WorktreePath: worktree.WorktreePath,
		ClonesBasePath: w.cfg.ClonesBasePath, WorktreesBasePath: w.cfg.WorktreesBasePath,
		ConfigDirHostPath: w.cfg.ConfigDirHostPath, ContainerWorkDir: "/workspace",
		HostingToken: token, Prompt: prompt, Model: payload.Model, MaxTurns: w.cfg.ContainerMaxTurns,
		RuntimeUID: w.cfg.ContainerRuntimeUID, Timeout: w.cfg.ContainerTimeout, TaskID: taskID,
	}, container.Callbacks{
		OnSessionID: func(sessionID, conversationID string) {
			_ = w.store.UpdateHistoryMetadata(ctx, taskID, map[string]any{"sessionId": sessionID, "conversationId": conversationID})
		},
		OnContainerID: func(containerID, containerName string) {
			_ = w.store.UpdateHistoryMetadata(ctx, taskID, map[string]any{"containerId": containerID, "containerName": containerName})
		},
		OnLogChunk: func(chunk string) {
			w.store.PublishLogChunk(ctx, taskID, chunk)
		},
	})

	if ule, ok := coreerr.IsUsageLimitError(runErr); ok {
		return w.handleUsageLimitPR(ctx, taskID, payload, ule)
	}
	if runErr != nil {
		return w.markFailedPR(ctx, taskID, categoryOf(runErr), "claude-execution", runErr)
	}

	if _, err := w.store.UpdateTask(ctx, taskID, model.StatePostProcessing, "subprocess succeeded", nil); err != nil {
		corelog.Error("updating task %s to POST_PROCESSING: %v", taskID, err)
	}

	commitMsg := fmt.Sprintf("Address review feedback on PR #%d", payload.PRNumber)
	commit, err := w.git.Commit(ctx, worktree.WorktreePath, commitMsg, w.cfg.BotUsername, w.cfg.BotUsername+"@users.noreply.github.com", payload.PRNumber, commitMsg)
	if err != nil {
		return w.markFailedPR(ctx, taskID, coreerr.CategoryInternal, "commit", err)
	}

	if commit == nil {
		if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.PRNumber, "No code changes were needed for the request(s) above."); err != nil {
			corelog.Error("posting no-changes comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.PRNumber, err)
		}
		if _, err := w.store.MarkCompleted(ctx, taskID, nil, result.NumTurns, result.CostUSD); err != nil {
			corelog.Error("marking %s completed (no changes): %v", taskID, err)
		}
		return nil
	}

	if err := w.git.PushBranch(ctx, worktree.WorktreePath, worktree.BranchName, gitstore.PushOptions{
		RepoURL: repoCloneURL(payload.Owner, payload.Repo), AuthToken: token,
		TokenRefreshFn: func() (string, error) { return refreshToken(ctx) },
	}); err != nil {
		return w.markFailedPR(ctx, taskID, coreerr.CategoryPush, "push", err)
	}

	requesters := make([]string, 0, len(unprocessed))
	for _, c := range unprocessed {
		requesters = append(requesters, c.Author)
	}
	completion := fmt.Sprintf(
		"Pushed commit `%s` addressing the request(s) from %s.\n\nModel: `%s` · turns: %d · time: %s · cost: $%.4f",
		commit.Hash, strings.Join(requesters, ", "), payload.Model, result.NumTurns, time.Since(ts.CreatedAt).Round(time.Second), result.CostUSD,
	)
	if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.PRNumber, completion); err != nil {
		corelog.Error("posting completion comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.PRNumber, err)
	}

	if _, err := w.store.MarkCompleted(ctx, taskID, nil, result.NumTurns, result.CostUSD); err != nil {
		corelog.Error("marking %s completed: %v", taskID, err)
	}
	if err := w.store.CostThresholdExceeded(ctx, &model.TaskState{TaskID: taskID, Model: payload.Model, CostUSD: result.CostUSD}, w.cfg.CostThresholdUSD); err != nil {
		corelog.Error("recording high-cost alert for %s: %v", taskID, err)
	}
	return nil
}

// stillUnprocessed drops any candidate comment already acknowledged by a
// comment containing "{commentId}✓" in the freshly re-read history. Every
// history comment is checked whatever its author; the match is not limited
// to bot comments.
func stillUnprocessed(candidates []model.UnprocessedComment, history []hosting.Comment) []model.UnprocessedComment {
	var out []model.UnprocessedComment
	for _, c := range candidates {
		acked := false
		for _, h := range history {
			if strings.Contains(h.Body, fmt.Sprintf("%d✓", c.ID)) {
				acked = true
				break
			}
		}
		if !acked {
			out = append(out, c)
		}
	}
	return out
}

// acknowledgmentComment builds the bot comment establishing idempotency: its
// body contains "{commentId}✓" for every comment this job is about to act
// on, so a later poll or retry recognizes them as already claimed.
func acknowledgmentComment(unprocessed []model.UnprocessedComment) string {
	var b strings.Builder
	b.WriteString("Starting work on the following request(s):\n")
	for _, c := range unprocessed {
		fmt.Fprintf(&b, "- %s (comment %d✓)\n", c.Body, c.ID)
	}
	return b.String()
}

func (w *PRCommentWorker) handleUsageLimitPR(ctx context.Context, taskID string, payload model.PRCommentJobPayload, ule *coreerr.UsageLimitError) error {
	if _, err := w.store.MarkFailed(ctx, taskID, model.ErrorDetail{
		Category: string(coreerr.CategoryUsageLimit), Message: ule.Error(), Stage: "claude-execution",
	}, "usage limit reached"); err != nil {
		corelog.Error("marking %s failed on usage limit: %v", taskID, err)
	}

	retryAt := ule.ResetAt.Format(time.RFC3339)
	comment := fmt.Sprintf("Work on this request was paused because the model's usage limit was reached. It will resume after %s.", retryAt)
	if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.PRNumber, comment); err != nil {
		corelog.Error("posting usage-limit comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.PRNumber, err)
	}

	delay := time.Until(ule.ResetAt) + time.Duration(w.cfg.RequeueBufferMS)*time.Millisecond
	if w.cfg.RequeueJitterMS > 0 {
		delay += time.Duration(rand.Intn(w.cfg.RequeueJitterMS)) * time.Millisecond
	}

	if err := w.queue.Add(ctx, string(model.JobKindPRComment), payload, queue.AddOptions{
		JobID: fmt.Sprintf("%s-retry-%d", taskID, time.Now().UnixMilli()), Delay: delay,
	}); err != nil {
		return fmt.Errorf("requeueing %s after usage limit: %w", taskID, err)
	}

	_, _ = w.store.UpdateTask(ctx, taskID, model.StateRequeued, "requeued after usage limit", map[string]any{"resetAt": ule.ResetAt})
	return nil
}

func (w *PRCommentWorker) markFailedPR(ctx context.Context, taskID string, cat coreerr.Category, stage string, err error) error {
	if _, mfErr := w.store.MarkFailed(ctx, taskID, model.ErrorDetail{
		Category: string(cat), Message: err.Error(), Stage: stage,
	}, fmt.Sprintf("failed at %s", stage)); mfErr != nil {
		corelog.Error("marking %s failed: %v", taskID, mfErr)
	}
	return err
}

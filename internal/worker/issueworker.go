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

// IssueWorker runs the nine-step algorithm in spec.md §4.7 for one
// processIssue job.
type IssueWorker struct {
	cfg     *config.Config
	hosting hosting.Client
	git     *gitstore.Store
	runner  *container.Runner
	store   *statestore.Store
	queue   *queue.Queue
}

// NewIssueWorker constructs an IssueWorker over its collaborators.
func NewIssueWorker(cfg *config.Config, h hosting.Client, git *gitstore.Store, runner *container.Runner, store *statestore.Store, q *queue.Queue) *IssueWorker {
	return &IssueWorker{cfg: cfg, hosting: h, git: git, runner: runner, store: store, queue: q}
}

func repoCloneURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

// Handle is the queue.Handler entry point for JobKindIssue jobs.
func (w *IssueWorker) Handle(ctx context.Context, job queue.Job) error {
	var payload model.IssueJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding issue job payload: %w", err)
	}
	return w.process(ctx, payload)
}

func (w *IssueWorker) process(ctx context.Context, payload model.IssueJobPayload) error {
	taskID := payload.TaskID()
	corelog.InfoWith("starting issue task", "taskId", taskID, "owner", payload.Owner, "repo", payload.Repo, "number", payload.Number, "model", payload.Model)

	now := time.Now()
	ts := &model.TaskState{
		TaskID: taskID, Owner: payload.Owner, Repo: payload.Repo, IssueNumber: payload.Number,
		Model: payload.Model, State: model.StatePending, CreatedAt: now, UpdatedAt: now,
	}
	if err := w.store.CreateTask(ctx, ts); err != nil {
		return fmt.Errorf("creating task state for %s: %w", taskID, err)
	}

	var (
		clonePath     string
		worktree      gitstore.WorktreeInfo
		claudeSuccess bool
		prCreated     bool
	)

	defer func() {
		if worktree.WorktreePath == "" {
			return
		}
		w.git.CleanupWorktree(ctx, clonePath, worktree.WorktreePath, worktree.BranchName, gitstore.CleanupOptions{
			DeleteBranch:      false,
			Success:           claudeSuccess && prCreated,
			RetentionStrategy: gitstore.RetentionStrategy(w.cfg.WorktreeRetentionStrategy),
			RetentionHours:    w.cfg.WorktreeRetentionHours,
		})
	}()

	// Step 2: label gate.
	issue, err := w.hosting.GetIssue(ctx, payload.Owner, payload.Repo, payload.Number)
	if err != nil {
		return w.markFailed(ctx, taskID, coreerr.CategoryInternal, "label-gate", err)
	}
	if !hasLabel(issue.Labels, w.cfg.PrimaryTag) || hasLabel(issue.Labels, w.cfg.DoneTag) {
		_, _ = w.store.UpdateTask(ctx, taskID, model.StateFailed, "label gate: primary tag absent or done tag present", nil)
		return nil
	}
	if !hasLabel(issue.Labels, w.cfg.ProcessingTag) {
		if err := w.hosting.AddLabelIfAbsent(ctx, payload.Owner, payload.Repo, payload.Number, w.cfg.ProcessingTag); err != nil {
			corelog.Error("adding processing label to %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
		}
	}
	if _, err := w.store.UpdateTask(ctx, taskID, model.StateProcessing, "label gate passed", nil); err != nil {
		corelog.Error("updating task %s to PROCESSING: %v", taskID, err)
	}

	// Step 3: environment setup.
	token, refreshToken, err := w.hosting.Auth(ctx)
	if err != nil {
		return w.markFailed(ctx, taskID, coreerr.CategoryInternal, "auth", err)
	}

	clonePath, err = w.git.EnsureClone(ctx, payload.Owner, payload.Repo, repoCloneURL(payload.Owner, payload.Repo), token)
	if err != nil {
		return w.markFailed(ctx, taskID, coreerr.CategoryClone, "ensure-clone", err)
	}

	worktree, err = w.git.CreateWorktree(ctx, clonePath, payload.Number, issue.Title, payload.Owner, payload.Repo, "", payload.Model)
	if err != nil {
		return w.markFailed(ctx, taskID, coreerr.CategoryWorktree, "create-worktree", err)
	}

	if err := w.git.PushBranch(ctx, worktree.WorktreePath, worktree.BranchName, gitstore.PushOptions{
		RepoURL: repoCloneURL(payload.Owner, payload.Repo), AuthToken: token,
		TokenRefreshFn: func() (string, error) { return refreshToken(ctx) },
	}); err != nil {
		return w.markFailed(ctx, taskID, coreerr.CategoryPush, "push-empty-branch", err)
	}

	if _, err := w.store.UpdateTask(ctx, taskID, model.StateProcessing, "worktree ready", map[string]any{
		"branchName": worktree.BranchName, "worktreePath": worktree.WorktreePath, "baseBranch": worktree.BaseBranch,
	}); err != nil {
		corelog.Error("recording worktree metadata for %s: %v", taskID, err)
	}

	// Step 4: announce start.
	announce := fmt.Sprintf("Starting work on this issue with model **%s** on branch `%s` (base `%s`), worktree `%s`.",
		payload.Model, worktree.BranchName, worktree.BaseBranch, worktree.WorktreePath)
	if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.Number, announce); err != nil {
		corelog.Error("posting start comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
	}

	// Step 5: subprocess invocation.
	if _, err := w.store.UpdateTask(ctx, taskID, model.StateClaudeExecution, "invoking subprocess", nil); err != nil {
		corelog.Error("updating task %s to CLAUDE_EXECUTION: %v", taskID, err)
	}

	comments, err := w.hosting.ListIssueComments(ctx, payload.Owner, payload.Repo, payload.Number)
	if err != nil {
		corelog.Error("listing comments on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
	}
	prompt := buildIssuePrompt(payload.Owner, payload.Repo, worktree.BranchName, payload.Model, issue, comments, payload.RetryNotice)

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

	// Step 6: usage limit short-circuit.
	if ule, ok := coreerr.IsUsageLimitError(runErr); ok {
		return w.handleUsageLimit(ctx, taskID, payload, ule)
	}

	if runErr != nil {
		return w.handleSubprocessFailure(ctx, taskID, payload, issue, worktree, runErr, &prCreated, false)
	}

	claudeSuccess = true

	// Step 7: success path.
	prResult, err := w.finalizeSuccess(ctx, taskID, payload, issue, worktree, result)
	if err != nil {
		return w.handleSubprocessFailure(ctx, taskID, payload, issue, worktree, err, &prCreated, claudeSuccess)
	}
	if prResult != nil {
		prCreated = true
	}
	return nil
}

// handleUsageLimit implements step 6: mark FAILED, post a delayed comment,
// and requeue with the computed delay.
func (w *IssueWorker) handleUsageLimit(ctx context.Context, taskID string, payload model.IssueJobPayload, ule *coreerr.UsageLimitError) error {
	if _, err := w.store.MarkFailed(ctx, taskID, model.ErrorDetail{
		Category: string(coreerr.CategoryUsageLimit), Message: ule.Error(), Stage: "claude-execution",
	}, "usage limit reached"); err != nil {
		corelog.Error("marking %s failed on usage limit: %v", taskID, err)
	}

	retryAt := ule.ResetAt.Format(time.RFC3339)
	comment := fmt.Sprintf("Work on this issue was paused because the model's usage limit was reached. It will resume after %s.", retryAt)
	if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.Number, comment); err != nil {
		corelog.Error("posting usage-limit comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
	}

	delay := time.Until(ule.ResetAt) + time.Duration(w.cfg.RequeueBufferMS)*time.Millisecond
	if w.cfg.RequeueJitterMS > 0 {
		delay += time.Duration(rand.Intn(w.cfg.RequeueJitterMS)) * time.Millisecond
	}

	payload.RetryNotice = fmt.Sprintf("This is a retry after hitting the model usage limit; it previously paused at %s.", retryAt)
	if err := w.queue.Add(ctx, string(model.JobKindIssue), payload, queue.AddOptions{
		JobID: fmt.Sprintf("%s-retry-%d", taskID, time.Now().UnixMilli()), Delay: delay,
	}); err != nil {
		return fmt.Errorf("requeueing %s after usage limit: %w", taskID, err)
	}

	_, _ = w.store.UpdateTask(ctx, taskID, model.StateRequeued, "requeued after usage limit", map[string]any{"resetAt": ule.ResetAt})
	return nil
}

// finalizeSuccess implements step 7: commit, push, wait for branch
// visibility, compare refs, create (or adopt) the PR, label it, and swap
// the issue's labels.
func (w *IssueWorker) finalizeSuccess(ctx context.Context, taskID string, payload model.IssueJobPayload, issue *hosting.Issue, worktree gitstore.WorktreeInfo, result *container.Result) (*model.PRResult, error) {
	if _, err := w.store.UpdateTask(ctx, taskID, model.StatePostProcessing, "subprocess succeeded", nil); err != nil {
		corelog.Error("updating task %s to POST_PROCESSING: %v", taskID, err)
	}

	commitMsg := fmt.Sprintf("Fix: %s (#%d)", issue.Title, issue.Number)
	if _, err := w.git.Commit(ctx, worktree.WorktreePath, commitMsg, w.cfg.BotUsername, w.cfg.BotUsername+"@users.noreply.github.com", issue.Number, issue.Title); err != nil {
		return nil, coreerr.NewTaskError(coreerr.CategoryInternal, "commit", err)
	}

	token, refreshToken, err := w.hosting.Auth(ctx)
	if err != nil {
		return nil, coreerr.NewTaskError(coreerr.CategoryInternal, "auth", err)
	}
	if err := w.git.PushBranch(ctx, worktree.WorktreePath, worktree.BranchName, gitstore.PushOptions{
		RepoURL: repoCloneURL(payload.Owner, payload.Repo), AuthToken: token,
		TokenRefreshFn: func() (string, error) { return refreshToken(ctx) },
	}); err != nil {
		return nil, coreerr.NewTaskError(coreerr.CategoryPush, "push", err)
	}

	if err := w.waitForBranchVisibility(ctx, payload.Owner, payload.Repo, worktree.BranchName); err != nil {
		return nil, coreerr.NewTaskError(coreerr.CategoryPush, "branch-visibility", err)
	}

	cmp, err := w.hosting.CompareRefs(ctx, payload.Owner, payload.Repo, worktree.BaseBranch, worktree.BranchName)
	if err != nil {
		return nil, coreerr.NewTaskError(coreerr.CategoryInternal, "compare-refs", err)
	}
	if cmp.AheadBy == 0 {
		if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.Number, "No changes were needed to resolve this issue."); err != nil {
			corelog.Error("posting no-changes comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
		}
		if _, err := w.store.MarkCompleted(ctx, taskID, nil, result.NumTurns, result.CostUSD); err != nil {
			corelog.Error("marking %s completed (no changes): %v", taskID, err)
		}
		return nil, nil
	}

	pr, err := w.createOrAdoptPR(ctx, payload, issue, worktree)
	if err != nil {
		return nil, err
	}

	if err := w.applyPRLabelAndSwapIssueLabels(ctx, payload, pr); err != nil {
		return nil, err
	}

	prResult := &model.PRResult{Number: pr.Number, URL: pr.URL, Head: pr.Head, Base: pr.Base, Label: w.cfg.PRLabel}
	if _, err := w.store.MarkCompleted(ctx, taskID, prResult, result.NumTurns, result.CostUSD); err != nil {
		corelog.Error("marking %s completed: %v", taskID, err)
	}
	if err := w.store.CostThresholdExceeded(ctx, &model.TaskState{TaskID: taskID, Model: payload.Model, CostUSD: result.CostUSD}, w.cfg.CostThresholdUSD); err != nil {
		corelog.Error("recording high-cost alert for %s: %v", taskID, err)
	}
	return prResult, nil
}

func (w *IssueWorker) waitForBranchVisibility(ctx context.Context, owner, repo, branch string) error {
	time.Sleep(3 * time.Second)
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if _, err := w.hosting.GetBranch(ctx, owner, repo, branch); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("branch %s never became visible on %s/%s: %w", branch, owner, repo, lastErr)
}

var prRetryableMessages = []string{"history not yet in common", "sha can't be blank"}

// createOrAdoptPR implements step 7e: create the PR, adopting an existing
// one on a 422 "already exists", and retrying once after a fixed delay for a
// small set of distinguishable eventual-consistency errors.
func (w *IssueWorker) createOrAdoptPR(ctx context.Context, payload model.IssueJobPayload, issue *hosting.Issue, worktree gitstore.WorktreeInfo) (*hosting.Pull, error) {
	title := fmt.Sprintf("Fix: %s", issue.Title)
	body := fmt.Sprintf("Resolves #%d.\n\nAutomated fix generated by aifixd using model `%s`.", issue.Number, payload.Model)

	pr, err := w.hosting.CreatePull(ctx, payload.Owner, payload.Repo, hosting.CreatePullParams{
		Title: title, Head: worktree.BranchName, Base: worktree.BaseBranch, Body: body, Draft: false,
	})
	if err == nil {
		return pr, nil
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already exists") {
		pulls, listErr := w.hosting.ListPulls(ctx, payload.Owner, payload.Repo, hosting.ListPullsFilter{Head: worktree.BranchName})
		if listErr != nil || len(pulls) == 0 {
			return nil, coreerr.NewTaskError(coreerr.CategoryPR, "adopt-existing-pr", err)
		}
		adopted := pulls[0]
		return &adopted, nil
	}

	for _, retryable := range prRetryableMessages {
		if strings.Contains(msg, retryable) {
			time.Sleep(10 * time.Second)
			pr, err2 := w.hosting.CreatePull(ctx, payload.Owner, payload.Repo, hosting.CreatePullParams{
				Title: title, Head: worktree.BranchName, Base: worktree.BaseBranch, Body: body, Draft: false,
			})
			if err2 != nil {
				return nil, coreerr.NewTaskError(coreerr.CategoryPR, "create-pull-retry", err2)
			}
			return pr, nil
		}
	}

	return nil, coreerr.NewTaskError(coreerr.CategoryPR, "create-pull", err)
}

func (w *IssueWorker) applyPRLabelAndSwapIssueLabels(ctx context.Context, payload model.IssueJobPayload, pr *hosting.Pull) error {
	if err := w.hosting.AddLabelIfAbsent(ctx, payload.Owner, payload.Repo, pr.Number, w.cfg.PRLabel); err != nil {
		return coreerr.NewTaskError(coreerr.CategoryPR, "label-pr", err)
	}
	if err := w.hosting.RemoveLabelIfPresent(ctx, payload.Owner, payload.Repo, payload.Number, w.cfg.ProcessingTag); err != nil {
		corelog.Error("removing processing label from %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
	}
	if err := w.hosting.AddLabelIfAbsent(ctx, payload.Owner, payload.Repo, payload.Number, w.cfg.DoneTag); err != nil {
		corelog.Error("adding done label to %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
	}
	return nil
}

// handleSubprocessFailure implements step 8: the final PR validation path.
// claudeSuccess reports whether the subprocess itself reported success before
// cause occurred (true when cause came from finalizeSuccess's PR
// creation/adoption, false when the subprocess run itself failed) — the
// emergency re-invocation below is only safe to fire in the former case.
func (w *IssueWorker) handleSubprocessFailure(ctx context.Context, taskID string, payload model.IssueJobPayload, issue *hosting.Issue, worktree gitstore.WorktreeInfo, cause error, prCreated *bool, claudeSuccess bool) error {
	pulls, listErr := w.hosting.ListPulls(ctx, payload.Owner, payload.Repo, hosting.ListPullsFilter{Head: worktree.BranchName})
	if listErr == nil && len(pulls) > 0 {
		pr := pulls[0]
		if err := w.applyPRLabelAndSwapIssueLabels(ctx, payload, &pr); err == nil {
			*prCreated = true
			_, _ = w.store.MarkCompleted(ctx, taskID, &model.PRResult{Number: pr.Number, URL: pr.URL, Head: pr.Head, Base: pr.Base, Label: w.cfg.PRLabel}, 0, 0)
			return nil
		}
	}

	hasCommits, err := w.commitAndPushIfChanged(ctx, payload, issue, worktree)
	if err != nil {
		corelog.Error("committing leftover changes for %s after subprocess failure: %v", taskID, err)
	}

	if hasCommits && claudeSuccess {
		emergencyPrompt := buildEmergencyPRPrompt(payload.Owner, payload.Repo, worktree.BranchName)
		_, _ = w.runner.Run(ctx, container.RunOptions{
			Image: w.cfg.ContainerImage, WorktreePath: worktree.WorktreePath,
			ClonesBasePath: w.cfg.ClonesBasePath, WorktreesBasePath: w.cfg.WorktreesBasePath,
			ConfigDirHostPath: w.cfg.ConfigDirHostPath, ContainerWorkDir: "/workspace",
			Prompt: emergencyPrompt, Model: payload.Model, MaxTurns: 1,
			RuntimeUID: w.cfg.ContainerRuntimeUID, Timeout: w.cfg.ContainerTimeout, TaskID: taskID + "-emergency",
		}, container.Callbacks{})

		pr, err := w.createOrAdoptPR(ctx, payload, issue, worktree)
		if err == nil {
			if labelErr := w.applyPRLabelAndSwapIssueLabels(ctx, payload, pr); labelErr == nil {
				*prCreated = true
				_, _ = w.store.MarkCompleted(ctx, taskID, &model.PRResult{Number: pr.Number, URL: pr.URL, Head: pr.Head, Base: pr.Base, Label: w.cfg.PRLabel}, 0, 0)
				return nil
			}
		}
	}

	failComment := fmt.Sprintf("Automated work on this issue failed: %s", cause.Error())
	if _, err := w.hosting.AddComment(ctx, payload.Owner, payload.Repo, payload.Number, failComment); err != nil {
		corelog.Error("posting failure comment on %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
	}
	if err := w.hosting.RemoveLabelIfPresent(ctx, payload.Owner, payload.Repo, payload.Number, w.cfg.ProcessingTag); err != nil {
		corelog.Error("removing processing label from %s/%s#%d: %v", payload.Owner, payload.Repo, payload.Number, err)
	}

	return w.markFailed(ctx, taskID, categoryOf(cause), "post-processing", cause)
}

// commitAndPushIfChanged commits and pushes any outstanding working-tree
// changes after a failed subprocess run, then reports via CompareRefs
// whether the branch now carries commits ahead of its base (spec.md §4.7
// step 8: the branch must already have commits before the emergency
// re-invocation is worth attempting).
func (w *IssueWorker) commitAndPushIfChanged(ctx context.Context, payload model.IssueJobPayload, issue *hosting.Issue, worktree gitstore.WorktreeInfo) (bool, error) {
	commitMsg := fmt.Sprintf("Fix: %s (#%d)", issue.Title, issue.Number)
	if _, err := w.git.Commit(ctx, worktree.WorktreePath, commitMsg, w.cfg.BotUsername, w.cfg.BotUsername+"@users.noreply.github.com", issue.Number, issue.Title); err != nil {
		return false, fmt.Errorf("committing leftover changes: %w", err)
	}

	token, refreshToken, err := w.hosting.Auth(ctx)
	if err != nil {
		return false, fmt.Errorf("authenticating for leftover push: %w", err)
	}
	if err := w.git.PushBranch(ctx, worktree.WorktreePath, worktree.BranchName, gitstore.PushOptions{
		RepoURL: repoCloneURL(payload.Owner, payload.Repo), AuthToken: token,
		TokenRefreshFn: func() (string, error) { return refreshToken(ctx) },
	}); err != nil {
		return false, fmt.Errorf("pushing leftover changes: %w", err)
	}

	cmp, err := w.hosting.CompareRefs(ctx, payload.Owner, payload.Repo, worktree.BaseBranch, worktree.BranchName)
	if err != nil {
		return false, fmt.Errorf("comparing refs after leftover push: %w", err)
	}
	return cmp.AheadBy > 0, nil
}

func categoryOf(err error) coreerr.Category {
	if te, ok := coreerr.IsTaskError(err); ok {
		return te.Cat
	}
	return coreerr.CategoryInternal
}

func (w *IssueWorker) markFailed(ctx context.Context, taskID string, cat coreerr.Category, stage string, err error) error {
	if _, mfErr := w.store.MarkFailed(ctx, taskID, model.ErrorDetail{
		Category: string(cat), Message: err.Error(), Stage: stage,
	}, fmt.Sprintf("failed at %s", stage)); mfErr != nil {
		corelog.Error("marking %s failed: %v", taskID, mfErr)
	}
	return err
}

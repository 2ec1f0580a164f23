// Command aifixd runs the GitHub issue-to-PR automation daemon (spec.md
// §OVERVIEW): a poller that discovers labelled issues and PR-follow-up
// comments, a pair of workers that drive a containerized coding agent
// against them, and a live stream API for observing task progress.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"

	"aifixd/core"
	"aifixd/internal/config"
	"aifixd/internal/container"
	"aifixd/internal/coreerr"
	"aifixd/internal/corelog"
	"aifixd/internal/gitstore"
	"aifixd/internal/hosting"
	"aifixd/internal/model"
	"aifixd/internal/poller"
	"aifixd/internal/queue"
	"aifixd/internal/statestore"
	"aifixd/internal/streamapi"
	"aifixd/internal/worker"
)

// jobQueueName is the single Redis-backed queue both workers consume from;
// the job's Name field (one of model.JobKindIssue / model.JobKindPRComment)
// is what routes it to the right handler, not a dedicated queue per kind.
const jobQueueName = "jobs"

type options struct {
	Version bool `long:"version" short:"v" description:"Show version information"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("%s\n", core.GetVersion())
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		corelog.Error("aifixd exited with error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	corelog.Configure(os.Stdout, corelog.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	corelog.Info("aifixd starting - version %s", core.GetVersion())
	corelog.InfoWith("configuration loaded", "repositories", cfg.Repositories, "worker_concurrency", cfg.WorkerConcurrency)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	hostingClient, err := hosting.NewGitHubClient(ctx, hosting.AppAuthParams{
		AppID:          cfg.GitHubAppID,
		InstallationID: cfg.GitHubAppInstallationID,
		PrivateKeyPath: cfg.GitHubAppPrivateKeyPath,
	}, cfg.GitHubToken, "")
	if err != nil {
		return fmt.Errorf("building GitHub client: %w", err)
	}

	gitStore := gitstore.New(cfg.ClonesBasePath, cfg.WorktreesBasePath, cfg.ContainerRuntimeUID, nil)
	runner := container.New("docker")
	store := statestore.New(rdb, cfg.StateRetention)
	recoverStuckTasks(ctx, store)
	jobQueue := queue.New(rdb, jobQueueName)

	issueWorker := worker.NewIssueWorker(cfg, hostingClient, gitStore, runner, store, jobQueue)
	prCommentWorker := worker.NewPRCommentWorker(cfg, hostingClient, gitStore, runner, store, jobQueue)
	pool := worker.NewPool(cfg.WorkerConcurrency)

	dispatch := func(ctx context.Context, job queue.Job) error {
		switch jobKind(job.Name) {
		case model.JobKindIssue:
			return pool.Run(func() error { return issueWorker.Handle(ctx, job) })
		case model.JobKindPRComment:
			return pool.Run(func() error { return prCommentWorker.Handle(ctx, job) })
		default:
			corelog.Error("dropping job %s with unknown name %q", job.JobID, job.Name)
			return nil
		}
	}

	p := poller.New(cfg, hostingClient, jobQueue, store)
	streamServer := streamapi.New(cfg.StreamAPIAddr, store, jobQueue)

	errCh := make(chan error, 4)

	go func() {
		if err := jobQueue.Consume(ctx, cfg.WorkerConcurrency, dispatch); err != nil {
			errCh <- fmt.Errorf("queue consumer: %w", err)
		}
	}()

	go jobQueue.RunSweeper(ctx, 5*time.Second)

	go func() {
		p.Start(ctx)
	}()

	go func() {
		if err := streamServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("stream api: %w", err)
		}
	}()

	go runCleanupRoutine(ctx, store, gitStore, cfg)

	select {
	case <-ctx.Done():
		corelog.Info("shutdown signal received, draining in-flight work")
		pool.Stop()
		return nil
	case err := <-errCh:
		pool.Stop()
		return err
	}
}

// jobKind maps a queued job's Name to the model.JobKind it should dispatch
// as, returning "" for anything unrecognized so callers can drop it instead
// of guessing.
func jobKind(name string) model.JobKind {
	switch model.JobKind(name) {
	case model.JobKindIssue:
		return model.JobKindIssue
	case model.JobKindPRComment:
		return model.JobKindPRComment
	default:
		return ""
	}
}

// recoverStuckTasks implements the crash-recovery contract of spec.md §5: any
// task still sitting in PROCESSING, CLAUDE_EXECUTION or POST_PROCESSING (the
// states ListResumable returns) belonged to a process that is no longer
// running, since this one just started, so it is marked FAILED rather than
// left to hang forever. PENDING tasks are not touched.
func recoverStuckTasks(ctx context.Context, store *statestore.Store) {
	entries, err := store.ListResumable(ctx, 0)
	if err != nil {
		corelog.Warn("listing resumable tasks at startup: %v", err)
		return
	}
	for _, entry := range entries {
		detail := model.ErrorDetail{
			Category: string(coreerr.CategoryInternal),
			Message:  "task was still in flight when aifixd restarted",
			Stage:    string(entry.Task.State),
		}
		if _, err := store.MarkFailed(ctx, entry.Task.TaskID, detail, "recovered at startup: abandoned by a prior process"); err != nil {
			corelog.Warn("marking stuck task %s as failed: %v", entry.Task.TaskID, err)
			continue
		}
		corelog.Info("recovered stuck task %s from state %s, marked FAILED", entry.Task.TaskID, entry.Task.State)
	}
}

// runCleanupRoutine periodically prunes terminal task state past its
// retention window and worktrees past their max age, the same "tick every
// N minutes, log and continue on failure" shape as the teacher's
// startCleanupRoutine.
func runCleanupRoutine(ctx context.Context, store *statestore.Store, git *gitstore.Store, cfg *config.Config) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.CleanupOldTasks(ctx, cfg.StateRetention); err != nil {
				corelog.Warn("task state cleanup failed: %v", err)
			} else if n > 0 {
				corelog.Info("cleaned up %d expired task state entries", n)
			}
			maxAge := time.Duration(cfg.WorktreeMaxAgeHours) * time.Hour
			if err := git.CleanupExpired(ctx, cfg.WorktreesBasePath, maxAge); err != nil {
				corelog.Warn("worktree cleanup failed: %v", err)
			}
		}
	}
}

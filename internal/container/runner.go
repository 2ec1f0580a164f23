// Package container implements the Container Runner (spec.md §4.2): launches
// the code-generation subprocess inside a sandboxed OCI container and
// streams its line-delimited JSON output back to the caller.
package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lucasepe/codename"

	"aifixd/internal/coreerr"
)

// Callbacks are invoked as the runner discovers session/container identity
// and accumulates output, mirroring the teacher's onSessionId-style hooks.
type Callbacks struct {
	OnSessionID  func(sessionID, conversationID string)
	OnContainerID func(containerID, containerName string)
	OnLogChunk   func(chunk string)
	OnModel      func(model string)
}

// RunOptions configures one subprocess invocation.
type RunOptions struct {
	Image             string
	WorktreePath      string
	ClonesBasePath    string
	WorktreesBasePath string
	ConfigDirHostPath string
	ContainerWorkDir  string // fixed in-container workspace path
	HostingToken      string
	Prompt            string
	Model             string
	MaxTurns          int
	RuntimeUID        int
	Timeout           time.Duration
	TaskID            string
}

// Result is the terminal outcome of a successful run (is_error=false).
type Result struct {
	NumTurns   int
	CostUSD    float64
	ResultText string
}

// Runner launches subprocess containers. Stateless beyond docker/codename
// configuration, safe for concurrent use across many tasks.
type Runner struct {
	dockerBin string
}

// New constructs a Runner. dockerBin is normally "docker"; overridable for
// tests that stub out the binary.
func New(dockerBin string) *Runner {
	if dockerBin == "" {
		dockerBin = "docker"
	}
	return &Runner{dockerBin: dockerBin}
}

// Run launches the sandboxed container, streams its stdout, and blocks
// until the subprocess exits or opts.Timeout elapses.
func (r *Runner) Run(ctx context.Context, opts RunOptions, cb Callbacks) (*Result, error) {
	containerName := containerNameFor(opts.TaskID)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	args := r.buildArgs(opts, containerName)
	cmd := exec.CommandContext(runCtx, r.dockerBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	go r.discoverContainer(ctx, opts.WorktreePath, cb)

	var (
		mu          sync.Mutex
		sessionSeen bool
		modelSeen   bool
		result      *Result
		usageErr    *coreerr.UsageLimitError
		parseFailed bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	scanErr := ScanFrames(scanner,
		func(f *Frame) {
			mu.Lock()
			defer mu.Unlock()

			if !sessionSeen && (f.SessionID != "" || f.ConversationID != "") {
				sessionSeen = true
				if cb.OnSessionID != nil {
					cb.OnSessionID(f.SessionID, f.ConversationID)
				}
			}
			if !modelSeen && f.Model != "" {
				modelSeen = true
				if cb.OnModel != nil {
					cb.OnModel(f.Model)
				}
			}
			if f.IsResult {
				if f.Success {
					result = &Result{NumTurns: f.NumTurns, CostUSD: f.CostUSD, ResultText: f.ResultText}
				} else {
					parseFailed = true
				}
			}
		},
		func(raw string) {
			if cb.OnLogChunk != nil {
				cb.OnLogChunk(raw)
			}
		},
	)

	if scanErr != nil {
		if ule, ok := scanErr.(*coreerr.UsageLimitError); ok {
			usageErr = ule
		}
	}

	waitErr := cmd.Wait()

	if usageErr != nil {
		return nil, usageErr
	}

	if runCtx.Err() == context.DeadlineExceeded {
		r.killWithGrace(containerName)
		return nil, coreerr.NewTaskError(coreerr.CategoryContainer, "timeout", fmt.Errorf("container %s timed out after %s", containerName, opts.Timeout))
	}

	if waitErr != nil {
		return nil, coreerr.NewTaskError(coreerr.CategorySubprocess, "subprocess", &coreerr.SubprocessError{
			ExitCode: exitCodeOf(waitErr),
			Stderr:   stderrBuf.String(),
			Err:      waitErr,
		})
	}

	if result == nil {
		if parseFailed {
			return nil, coreerr.NewTaskError(coreerr.CategorySubprocess, "subprocess", fmt.Errorf("result frame reported is_error=true"))
		}
		return nil, coreerr.NewTaskError(coreerr.CategorySubprocess, "subprocess", fmt.Errorf("subprocess exited with no result frame"))
	}

	return result, nil
}

func (r *Runner) buildArgs(opts RunOptions, containerName string) []string {
	args := []string{
		"run", "--rm",
		"--name", containerName,
		"--cap-drop=ALL",
		"--security-opt", "no-new-privileges",
		"-e", "HOSTING_TOKEN=" + opts.HostingToken,
		"-v", fmt.Sprintf("%s:%s", opts.WorktreePath, opts.ContainerWorkDir),
		"-v", fmt.Sprintf("%s:%s", opts.ClonesBasePath, opts.ClonesBasePath),
		"-v", fmt.Sprintf("%s:%s", opts.ConfigDirHostPath, opts.ConfigDirHostPath),
		"-w", opts.ContainerWorkDir,
		"-l", "aifixd.task-id=" + opts.TaskID,
		"-l", "aifixd.worktree=" + opts.WorktreePath,
		opts.Image,
		"--prompt", opts.Prompt,
		"--max-turns", fmt.Sprintf("%d", opts.MaxTurns),
		"--output-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

func (r *Runner) killWithGrace(containerName string) {
	_ = exec.Command(r.dockerBin, "stop", "--time", "5", containerName).Run()
	time.Sleep(5 * time.Second)
	_ = exec.Command(r.dockerBin, "kill", containerName).Run()
}

func containerNameFor(taskID string) string {
	rng, err := codename.DefaultRNG()
	if err != nil {
		return "aifixd-" + taskID
	}
	return fmt.Sprintf("aifixd-%s-%s", codename.Generate(rng, 0), taskID)
}

func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

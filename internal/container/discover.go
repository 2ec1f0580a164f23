package container

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"aifixd/internal/corelog"
)

// discoverContainer waits briefly for the container to register with the
// docker daemon, then looks it up by the worktree-mount label and invokes
// onContainerID — a best-effort secondary lookup after the primary command
// has already started, mirroring the teacher's pattern for its own agent
// subprocess discovery.
func (r *Runner) discoverContainer(ctx context.Context, worktreePath string, cb Callbacks) {
	if cb.OnContainerID == nil {
		return
	}

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	out, err := exec.CommandContext(ctx, r.dockerBin, "ps",
		"--filter", "label=aifixd.worktree="+worktreePath,
		"--format", "{{.ID}}\t{{.Names}}",
	).CombinedOutput()
	if err != nil {
		corelog.Warn("container discovery for worktree %s failed: %v", worktreePath, err)
		return
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return
	}
	fields := strings.SplitN(line, "\t", 2)
	if len(fields) != 2 {
		return
	}
	cb.OnContainerID(fields[0], fields[1])
}

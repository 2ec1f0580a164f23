package gitstore

import "strings"

// retryableSubstrings lists git/network failure signatures worth a backoff
// retry, mirroring the teacher's isRecoverableGHError heuristic in
// clients/git.go. Anything not matched here is treated as fatal and surfaces
// immediately as a *coreerr.TaskError with category clone/push.
var retryableSubstrings = []string{
	"could not resolve host",
	"connection reset by peer",
	"connection timed out",
	"the remote end hung up unexpectedly",
	"early eof",
	"temporary failure in name resolution",
	"rpc failed",
	"http 500",
	"http 502",
	"http 503",
	"423 locked",
	"is already locked",
	"try again",
}

// IsRetryable reports whether a git command's combined output looks like a
// transient network/infra hiccup rather than a programming or permissions
// error. Used to decide whether runWithRetry's backoff loop should retry.
func IsRetryable(output string) bool {
	lower := strings.ToLower(output)
	for _, s := range retryableSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsRemoteBranchDeleted reports whether a pull/fetch failure indicates the
// remote branch backing a task's worktree was deleted (PR merged or branch
// manually removed upstream) — the caller should abandon the task rather
// than retry it.
func IsRemoteBranchDeleted(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "couldn't find remote ref") ||
		strings.Contains(lower, "no such ref was fetched") ||
		strings.Contains(lower, "unknown revision or path not in the working tree")
}

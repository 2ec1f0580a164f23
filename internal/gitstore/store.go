// Package gitstore implements the Clone/Worktree Store (spec.md §4.1): one
// bare-ish clone per repository, many short-lived worktrees per task, all
// git plumbing shelled out to the git binary the way the teacher's
// clients.GitClient does it.
package gitstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"aifixd/internal/corelog"
)

var defaultBranchCandidates = []string{"main", "master", "develop", "dev", "trunk"}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// DefaultBranchResolver looks up a per-repository default-branch override or
// queries the hosting service, ahead of falling back to git-native
// detection. A nil resolver skips straight to git-native detection.
type DefaultBranchResolver interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, bool, error)
}

// Store is the Clone/Worktree Store. One Store serves every repository
// configured in REPOSITORIES.
type Store struct {
	clonesBasePath    string
	worktreesBasePath string
	runtimeUID        int
	resolver          DefaultBranchResolver

	locksMu sync.Mutex
	locks   map[string]*cloneLock

	cacheMu            sync.Mutex
	defaultBranchCache map[string]string
}

// New constructs a Store rooted at the given clone/worktree base paths.
func New(clonesBasePath, worktreesBasePath string, runtimeUID int, resolver DefaultBranchResolver) *Store {
	return &Store{
		clonesBasePath:     clonesBasePath,
		worktreesBasePath:  worktreesBasePath,
		runtimeUID:         runtimeUID,
		resolver:           resolver,
		locks:              make(map[string]*cloneLock),
		defaultBranchCache: make(map[string]string),
	}
}

func repoKey(owner, repo string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(repo)
}

func (s *Store) clonePathFor(owner, repo string) string {
	return filepath.Join(s.clonesBasePath, strings.ToLower(owner), strings.ToLower(repo))
}

// lockFor returns the singleton cloneLock for (owner, repo), creating it
// (and the lock file) lazily once the clone itself exists.
func (s *Store) lockFor(clonePath string) (*cloneLock, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[clonePath]; ok {
		return l, nil
	}
	l, err := newCloneLock(clonePath)
	if err != nil {
		return nil, err
	}
	s.locks[clonePath] = l
	return l, nil
}

func authenticatedURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	if !strings.HasPrefix(repoURL, "https://") {
		return repoURL, nil
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://"), nil
}

// EnsureClone guarantees a clone exists at clonesBasePath/owner/repo, idempotently
// fetching-and-checking-out the default branch if it already does.
func (s *Store) EnsureClone(ctx context.Context, owner, repo, repoURL, authToken string) (string, error) {
	clonePath := s.clonePathFor(owner, repo)
	gitDir := filepath.Join(clonePath, ".git")

	authedURL, err := authenticatedURL(repoURL, authToken)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(gitDir); err == nil {
		lock, err := s.lockFor(clonePath)
		if err != nil {
			return "", err
		}
		if err := lock.Lock(); err != nil {
			return "", err
		}
		defer lock.Unlock()

		if _, err := runWithRetry(ctx, clonePath, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("fetching existing clone %s: %w", clonePath, err)
		}
		branch, err := s.DetectDefaultBranch(ctx, clonePath, owner, repo)
		if err != nil {
			return "", err
		}
		if _, err := run(ctx, clonePath, "checkout", branch); err != nil {
			if _, err2 := run(ctx, clonePath, "checkout", "-b", branch, "origin/"+branch); err2 != nil {
				return "", fmt.Errorf("checking out default branch %s: %w", branch, err)
			}
		}
		return clonePath, nil
	}

	if err := os.MkdirAll(filepath.Dir(clonePath), 0o755); err != nil {
		return "", fmt.Errorf("creating clone parent dir: %w", err)
	}

	cloneArgs := []string{"clone"}
	if _, err := runWithRetry(ctx, "", append(cloneArgs, authedURL, clonePath)...); err != nil {
		return "", fmt.Errorf("cloning %s: %w", repoURL, err)
	}

	if _, err := run(ctx, clonePath, "remote", "set-head", "origin", "--auto"); err != nil {
		corelog.Warn("remote set-head --auto failed for %s: %v", clonePath, err)
	}

	branch, err := s.DetectDefaultBranch(ctx, clonePath, owner, repo)
	if err != nil {
		return "", err
	}
	if _, err := run(ctx, clonePath, "checkout", branch); err != nil {
		return "", fmt.Errorf("checking out default branch %s after clone: %w", branch, err)
	}

	return clonePath, nil
}

// DetectDefaultBranch resolves the default branch for (owner, repo), trying
// in order: an injected resolver (per-repo config override or hosting-service
// API), `remote show origin`, `symbolic-ref`, a fixed candidate list, then
// any remote branch. The result is cached in-process per repo.
func (s *Store) DetectDefaultBranch(ctx context.Context, clonePath, owner, repo string) (string, error) {
	key := repoKey(owner, repo)

	s.cacheMu.Lock()
	if b, ok := s.defaultBranchCache[key]; ok {
		s.cacheMu.Unlock()
		return b, nil
	}
	s.cacheMu.Unlock()

	if s.resolver != nil {
		if b, ok, err := s.resolver.DefaultBranch(ctx, owner, repo); err == nil && ok {
			s.cacheDefaultBranch(key, b)
			return b, nil
		}
	}

	if out, err := run(ctx, clonePath, "remote", "show", "origin"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "HEAD branch:") {
				b := strings.TrimSpace(strings.TrimPrefix(line, "HEAD branch:"))
				if b != "" && b != "(unknown)" {
					s.cacheDefaultBranch(key, b)
					return b, nil
				}
			}
		}
	}

	if out, err := run(ctx, clonePath, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if b := strings.TrimPrefix(ref, "refs/remotes/origin/"); b != ref {
			s.cacheDefaultBranch(key, b)
			return b, nil
		}
	}

	for _, candidate := range defaultBranchCandidates {
		if _, err := run(ctx, clonePath, "rev-parse", "--verify", "origin/"+candidate); err == nil {
			s.cacheDefaultBranch(key, candidate)
			return candidate, nil
		}
	}

	if out, err := run(ctx, clonePath, "branch", "-r"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.Contains(line, "->") {
				continue
			}
			b := strings.TrimPrefix(line, "origin/")
			if b != "" {
				s.cacheDefaultBranch(key, b)
				return b, nil
			}
		}
	}

	return "", fmt.Errorf("could not detect default branch for %s/%s", owner, repo)
}

func (s *Store) cacheDefaultBranch(key, branch string) {
	s.cacheMu.Lock()
	s.defaultBranchCache[key] = branch
	s.cacheMu.Unlock()
}

// sanitizeTitle lowercases, collapses non-alphanumeric runs to a single '-',
// trims, and truncates to 25 characters for inclusion in a branch name.
func sanitizeTitle(title string) string {
	lower := strings.ToLower(title)
	squashed := nonAlnum.ReplaceAllString(lower, "-")
	trimmed := strings.Trim(squashed, "-")
	if len(trimmed) > 25 {
		trimmed = strings.Trim(trimmed[:25], "-")
	}
	return trimmed
}

const saltAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// branchSalt returns a 3-character random suffix so that two tasks against
// the same issue and model enqueued within the same minute still land on
// distinct branch names.
func branchSalt() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		now := time.Now().UnixNano()
		for i := range buf {
			buf[i] = saltAlphabet[int(now%int64(len(saltAlphabet)))]
			now /= 7
		}
		return string(buf)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = saltAlphabet[int(b)%len(saltAlphabet)]
	}
	return string(out)
}

// BranchNameForIssue composes the unique branch name for a newly-created
// issue worktree (spec.md §3, §6):
// ai-fix/{issueNumber}-{sanitizedTitle}-{YYYYMMDD-HHMM}-{model}-{salt}.
// issueNumber + model + timestamp + a 3-character salt keep two concurrent
// tasks against the same issue and model from colliding. An empty
// sanitizedTitle collapses to the boundary form ai-fix/{n}--{ts}-{model}-{salt}.
func BranchNameForIssue(model string, issueNumber int, title string) string {
	ts := time.Now().UTC().Format("20060102-1504")
	return fmt.Sprintf("ai-fix/%d-%s-%s-%s-%s", issueNumber, sanitizeTitle(title), ts, model, branchSalt())
}

func (s *Store) removeWorktreeDir(ctx context.Context, clonePath, worktreePath string) {
	if _, err := run(ctx, clonePath, "worktree", "remove", "--force", worktreePath); err != nil {
		corelog.Warn("worktree remove --force failed for %s, falling back to rm: %v", worktreePath, err)
		_ = os.RemoveAll(worktreePath)
	}
}

// CreateWorktree creates a fresh worktree off baseBranch (detected when
// empty) for a new issue task, per spec.md §4.1.
func (s *Store) CreateWorktree(ctx context.Context, clonePath string, issueNumber int, title, owner, repo, baseBranch, model string) (WorktreeInfo, error) {
	lock, err := s.lockFor(clonePath)
	if err != nil {
		return WorktreeInfo{}, err
	}
	if err := lock.Lock(); err != nil {
		return WorktreeInfo{}, err
	}
	defer lock.Unlock()

	if baseBranch == "" {
		baseBranch, err = s.DetectDefaultBranch(ctx, clonePath, owner, repo)
		if err != nil {
			return WorktreeInfo{}, err
		}
	}

	branchName := BranchNameForIssue(model, issueNumber, title)
	dirName := strings.ReplaceAll(branchName, "/", "-")
	worktreePath := filepath.Join(s.worktreesBasePath, dirName)

	if _, err := os.Stat(worktreePath); err == nil {
		s.removeWorktreeDir(ctx, clonePath, worktreePath)
		_ = os.RemoveAll(worktreePath)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return WorktreeInfo{}, fmt.Errorf("creating worktree parent dir: %w", err)
	}

	if _, err := run(ctx, clonePath, "worktree", "prune"); err != nil {
		corelog.Warn("worktree prune failed: %v", err)
	}

	if out, err := run(ctx, clonePath, "show-ref", "--verify", "refs/heads/"+branchName); err == nil && strings.TrimSpace(out) != "" {
		if wtOut, _ := run(ctx, clonePath, "worktree", "list", "--porcelain"); strings.Contains(wtOut, branchName) {
			for _, block := range strings.Split(wtOut, "\n\n") {
				if strings.Contains(block, branchName) {
					for _, line := range strings.Split(block, "\n") {
						if strings.HasPrefix(line, "worktree ") {
							s.removeWorktreeDir(ctx, clonePath, strings.TrimPrefix(line, "worktree "))
						}
					}
				}
			}
		}
		if _, err := run(ctx, clonePath, "branch", "-D", branchName); err != nil {
			corelog.Warn("failed to delete pre-existing branch %s: %v", branchName, err)
		}
	}

	if _, err := runWithRetry(ctx, clonePath, "fetch", "origin", baseBranch); err != nil {
		return WorktreeInfo{}, fmt.Errorf("fetching base branch %s: %w", baseBranch, err)
	}

	if _, err := run(ctx, clonePath, "worktree", "add", worktreePath, "-b", branchName, "origin/"+baseBranch); err != nil {
		return WorktreeInfo{}, fmt.Errorf("creating worktree %s: %w", worktreePath, err)
	}

	s.fixOwnershipAndSafeDirectory(ctx, clonePath, worktreePath)

	return WorktreeInfo{WorktreePath: worktreePath, BranchName: branchName, BaseBranch: baseBranch}, nil
}

// CreateWorktreeFromExistingBranch attaches a worktree to an existing remote
// branch, for PR-comment follow-up tasks (spec.md §4.8).
func (s *Store) CreateWorktreeFromExistingBranch(ctx context.Context, clonePath, branchName, dirName, owner, repo string) (WorktreeInfo, error) {
	lock, err := s.lockFor(clonePath)
	if err != nil {
		return WorktreeInfo{}, err
	}
	if err := lock.Lock(); err != nil {
		return WorktreeInfo{}, err
	}
	defer lock.Unlock()

	worktreePath := filepath.Join(s.worktreesBasePath, dirName)

	if _, err := runWithRetry(ctx, clonePath, "fetch", "origin", branchName); err != nil {
		return WorktreeInfo{}, fmt.Errorf("fetching branch %s: %w", branchName, err)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return WorktreeInfo{}, fmt.Errorf("creating worktree parent dir: %w", err)
	}

	if _, err := run(ctx, clonePath, "worktree", "add", worktreePath, "origin/"+branchName); err != nil {
		return WorktreeInfo{}, fmt.Errorf("creating worktree from %s: %w", branchName, err)
	}

	gitFileInfo, err := os.Stat(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return WorktreeInfo{}, fmt.Errorf("verifying linked worktree: %w", err)
	}
	if gitFileInfo.IsDir() {
		return WorktreeInfo{}, fmt.Errorf("worktree corruption: %s/.git is a directory, expected a linked-worktree file", worktreePath)
	}

	gitFileContents, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return WorktreeInfo{}, fmt.Errorf("reading linked worktree pointer: %w", err)
	}
	gitdirLine := strings.TrimSpace(strings.TrimPrefix(string(gitFileContents), "gitdir:"))
	if _, err := os.Stat(gitdirLine); err != nil {
		return WorktreeInfo{}, fmt.Errorf("linked worktree gitdir %s does not exist: %w", gitdirLine, err)
	}

	if remoteURL, err := run(ctx, clonePath, "remote", "get-url", "origin"); err == nil {
		if _, err := run(ctx, worktreePath, "remote", "set-url", "origin", strings.TrimSpace(remoteURL)); err != nil {
			corelog.Warn("failed to configure origin remote in worktree %s: %v", worktreePath, err)
		}
	}

	s.fixOwnershipAndSafeDirectory(ctx, clonePath, worktreePath)

	return WorktreeInfo{WorktreePath: worktreePath, BranchName: branchName}, nil
}

func (s *Store) fixOwnershipAndSafeDirectory(ctx context.Context, clonePath, worktreePath string) {
	if s.runtimeUID > 0 {
		if err := os.Chown(worktreePath, s.runtimeUID, -1); err != nil {
			corelog.Warn("chown worktree %s to uid %d failed: %v", worktreePath, s.runtimeUID, err)
		}
	}
	for _, dir := range []string{clonePath, worktreePath} {
		if _, err := run(ctx, "", "config", "--global", "--add", "safe.directory", dir); err != nil {
			corelog.Warn("adding %s to safe.directory failed: %v", dir, err)
		}
	}
}

// Commit stages all changes in worktreePath and commits them, returning nil
// (no error) when there was nothing to commit.
func (s *Store) Commit(ctx context.Context, worktreePath, message, authorName, authorEmail string, issueNumber int, issueTitle string) (*CommitResult, error) {
	if authorName != "" {
		if _, err := run(ctx, worktreePath, "config", "user.name", authorName); err != nil {
			return nil, fmt.Errorf("setting user.name: %w", err)
		}
	}
	if authorEmail != "" {
		if _, err := run(ctx, worktreePath, "config", "user.email", authorEmail); err != nil {
			return nil, fmt.Errorf("setting user.email: %w", err)
		}
	}

	if _, err := run(ctx, worktreePath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("staging changes: %w", err)
	}

	status, err := run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil, nil
	}

	if message == "" {
		message = fmt.Sprintf("Fix #%d: %s", issueNumber, issueTitle)
	}

	if _, err := run(ctx, worktreePath, "commit", "-m", message); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}

	hashOut, err := run(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving commit hash: %w", err)
	}

	return &CommitResult{Hash: strings.TrimSpace(hashOut), Message: message}, nil
}

// PushBranch injects an authenticated origin URL and pushes branchName,
// retrying once with a refreshed token on authentication failure.
func (s *Store) PushBranch(ctx context.Context, worktreePath, branchName string, opts PushOptions) error {
	authedURL, err := authenticatedURL(opts.RepoURL, opts.AuthToken)
	if err != nil {
		return err
	}
	if _, err := run(ctx, worktreePath, "remote", "set-url", "origin", authedURL); err != nil {
		return fmt.Errorf("setting authenticated remote: %w", err)
	}

	out, err := runWithRetry(ctx, worktreePath, "push", "--set-upstream", "origin", branchName)
	if err == nil {
		return nil
	}

	if !isAuthFailure(out) || opts.TokenRefreshFn == nil {
		return fmt.Errorf("pushing branch %s: %w", branchName, err)
	}

	refreshedToken, refreshErr := opts.TokenRefreshFn()
	if refreshErr != nil {
		return fmt.Errorf("pushing branch %s: %w (token refresh also failed: %v)", branchName, err, refreshErr)
	}
	authedURL, err = authenticatedURL(opts.RepoURL, refreshedToken)
	if err != nil {
		return err
	}
	if _, err := run(ctx, worktreePath, "remote", "set-url", "origin", authedURL); err != nil {
		return fmt.Errorf("setting refreshed remote: %w", err)
	}
	if _, err := runWithRetry(ctx, worktreePath, "push", "--set-upstream", "origin", branchName); err != nil {
		return fmt.Errorf("pushing branch %s after token refresh: %w", branchName, err)
	}
	return nil
}

func isAuthFailure(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "invalid username or password")
}

// CleanupWorktree removes or retains a worktree per the configured
// retention strategy. Failures here are logged, never propagated — the
// caller's task outcome does not depend on cleanup succeeding.
func (s *Store) CleanupWorktree(ctx context.Context, clonePath, worktreePath, branchName string, opts CleanupOptions) {
	shouldDelete := opts.RetentionStrategy == RetentionAlwaysDelete ||
		opts.RetentionStrategy == "" ||
		(opts.RetentionStrategy == RetentionKeepOnFailure && opts.Success)

	if !shouldDelete {
		cleanupAt := time.Now().Add(time.Duration(opts.RetentionHours) * time.Hour)
		marker := cleanupMarker{WorktreePath: worktreePath, BranchName: branchName, CleanupAt: cleanupAt}
		data, _ := json.MarshalIndent(marker, "", "  ")
		if err := os.WriteFile(filepath.Join(worktreePath, markerFileName), data, 0o644); err != nil {
			corelog.Warn("writing cleanup marker for %s failed: %v", worktreePath, err)
		}
		return
	}

	s.removeWorktreeDir(ctx, clonePath, worktreePath)

	if opts.DeleteBranch {
		if _, err := run(ctx, clonePath, "branch", "-D", branchName); err != nil {
			corelog.Warn("deleting local branch %s failed: %v", branchName, err)
		}
	}

	if _, err := run(ctx, clonePath, "worktree", "prune"); err != nil {
		corelog.Warn("worktree prune after cleanup failed: %v", err)
	}
}

// CleanupExpired scans worktreesBase for marker files past their scheduled
// cleanup time (falling back to mtime for worktrees without a marker) and
// removes them. Run periodically by cmd/aifixd's cleanup routine.
func (s *Store) CleanupExpired(ctx context.Context, worktreesBase string, maxAge time.Duration) error {
	entries, err := os.ReadDir(worktreesBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading worktrees base %s: %w", worktreesBase, err)
	}

	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		worktreePath := filepath.Join(worktreesBase, entry.Name())
		markerPath := filepath.Join(worktreePath, markerFileName)

		expired := false
		if data, err := os.ReadFile(markerPath); err == nil {
			var marker cleanupMarker
			if json.Unmarshal(data, &marker) == nil && now.After(marker.CleanupAt) {
				expired = true
			}
		} else {
			info, statErr := entry.Info()
			if statErr == nil && now.Sub(info.ModTime()) > maxAge {
				expired = true
			}
		}

		if expired {
			corelog.Info("removing expired worktree %s", worktreePath)
			if err := os.RemoveAll(worktreePath); err != nil {
				corelog.Warn("removing expired worktree %s failed: %v", worktreePath, err)
			}
		}
	}
	return nil
}

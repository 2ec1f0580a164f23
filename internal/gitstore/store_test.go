package gitstore

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
)

// setupBareRemote creates a bare repo with one commit on "main", usable as a
// local file:// remote, mirroring the teacher's setupTestGitRepo helper.
func setupBareRemote(t *testing.T) string {
	t.Helper()

	workDir := t.TempDir()
	runGit(t, workDir, "init", "-b", "main")
	runGit(t, workDir, "config", "user.email", "test@example.com")
	runGit(t, workDir, "config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(workDir, "README.md"), []byte("# test\n"), 0o644); err != nil {
		t.Fatalf("writing README: %v", err)
	}
	runGit(t, workDir, "add", "README.md")
	runGit(t, workDir, "commit", "-m", "initial commit")

	barePath := t.TempDir()
	barePath = filepath.Join(barePath, "remote.git")
	runGit(t, "", "clone", "--bare", workDir, barePath)

	return barePath
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

func TestEnsureCloneAndCreateWorktree(t *testing.T) {
	remotePath := setupBareRemote(t)

	clonesBase := t.TempDir()
	worktreesBase := t.TempDir()
	store := New(clonesBase, worktreesBase, 0, nil)

	ctx := context.Background()
	clonePath, err := store.EnsureClone(ctx, "acme", "widgets", remotePath, "")
	if err != nil {
		t.Fatalf("EnsureClone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(clonePath, ".git")); err != nil {
		t.Fatalf("expected clone at %s: %v", clonePath, err)
	}

	branch, err := store.DetectDefaultBranch(ctx, clonePath, "acme", "widgets")
	if err != nil {
		t.Fatalf("DetectDefaultBranch: %v", err)
	}
	if branch != "main" {
		t.Fatalf("DetectDefaultBranch = %q, want main", branch)
	}

	// Ensure a second call is idempotent (fetch + checkout on an existing clone).
	if _, err := store.EnsureClone(ctx, "acme", "widgets", remotePath, ""); err != nil {
		t.Fatalf("second EnsureClone: %v", err)
	}

	info, err := store.CreateWorktree(ctx, clonePath, 7, "Fix the crash", "acme", "widgets", "", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	wantBranch := regexp.MustCompile(`^ai-fix/7-fix-the-crash-\d{8}-\d{4}-claude-sonnet-4-[a-z0-9]{3}$`)
	if !wantBranch.MatchString(info.BranchName) {
		t.Errorf("unexpected branch name %q, want match of %s", info.BranchName, wantBranch)
	}
	if _, err := os.Stat(info.WorktreePath); err != nil {
		t.Fatalf("expected worktree dir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(info.WorktreePath, "fix.txt"), []byte("patch\n"), 0o644); err != nil {
		t.Fatalf("writing file in worktree: %v", err)
	}

	result, err := store.Commit(ctx, info.WorktreePath, "", "aifixd", "aifixd@example.com", 7, "Fix the crash")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil commit result")
	}

	// Committing again with nothing changed returns nil, nil.
	again, err := store.Commit(ctx, info.WorktreePath, "", "aifixd", "aifixd@example.com", 7, "Fix the crash")
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil commit result on empty diff, got %+v", again)
	}

	if err := store.PushBranch(ctx, info.WorktreePath, info.BranchName, PushOptions{RepoURL: remotePath}); err != nil {
		t.Fatalf("PushBranch: %v", err)
	}

	store.CleanupWorktree(ctx, clonePath, info.WorktreePath, info.BranchName, CleanupOptions{
		DeleteBranch:      true,
		Success:           true,
		RetentionStrategy: RetentionAlwaysDelete,
	})
	if _, err := os.Stat(info.WorktreePath); !os.IsNotExist(err) {
		t.Fatalf("expected worktree to be removed, stat err = %v", err)
	}
}

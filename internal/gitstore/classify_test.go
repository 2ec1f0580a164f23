package gitstore

import (
	"regexp"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		output string
		want   bool
	}{
		{"fatal: unable to access 'https://...': Could not resolve host: github.com", true},
		{"error: RPC failed; curl 56 OpenSSL SSL_read: Connection reset by peer", true},
		{"fatal: repository 'https://github.com/owner/repo.git/' not found", false},
		{"fatal: Authentication failed for 'https://github.com/owner/repo.git/'", false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.output); got != c.want {
			t.Errorf("IsRetryable(%q) = %v, want %v", c.output, got, c.want)
		}
	}
}

func TestIsRemoteBranchDeleted(t *testing.T) {
	if !IsRemoteBranchDeleted("fatal: couldn't find remote ref refs/heads/aifixd/foo") {
		t.Error("expected remote-branch-deleted detection to match")
	}
	if IsRemoteBranchDeleted("fatal: Authentication failed") {
		t.Error("did not expect remote-branch-deleted detection to match an auth error")
	}
}

func TestSanitizeTitle(t *testing.T) {
	cases := map[string]string{
		"Fix Null Pointer in Parser!!":      "fix-null-pointer-in-parse",
		"  leading and trailing  ":          "leading-and-trailing",
		"UPPER_CASE_With-Dashes":            "upper-case-with-dashes",
		"":                                  "",
	}
	for in, want := range cases {
		if got := sanitizeTitle(in); got != want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBranchNameForIssue(t *testing.T) {
	want := regexp.MustCompile(`^ai-fix/42-fix-the-thing-\d{8}-\d{4}-claude-sonnet-4-[a-z0-9]{3}$`)
	got := BranchNameForIssue("claude-sonnet-4", 42, "Fix the thing")
	if !want.MatchString(got) {
		t.Errorf("BranchNameForIssue = %q, want match of %s", got, want)
	}
}

func TestBranchNameForIssueEmptyTitle(t *testing.T) {
	want := regexp.MustCompile(`^ai-fix/42--\d{8}-\d{4}-claude-sonnet-4-[a-z0-9]{3}$`)
	got := BranchNameForIssue("claude-sonnet-4", 42, "")
	if !want.MatchString(got) {
		t.Errorf("BranchNameForIssue with empty title = %q, want match of %s", got, want)
	}
}

func TestBranchNameForIssueUnique(t *testing.T) {
	a := BranchNameForIssue("claude-sonnet-4", 42, "Fix the thing")
	b := BranchNameForIssue("claude-sonnet-4", 42, "Fix the thing")
	if a == b {
		t.Errorf("two BranchNameForIssue calls for the same issue+model collided: %q", a)
	}
}

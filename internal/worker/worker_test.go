package worker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"aifixd/internal/coreerr"
	"aifixd/internal/hosting"
	"aifixd/internal/model"
)

func TestHasLabelCaseInsensitive(t *testing.T) {
	if !hasLabel([]string{"AI-done"}, "ai-done") {
		t.Fatalf("expected case-insensitive match")
	}
	if hasLabel([]string{"bug"}, "ai-done") {
		t.Fatalf("expected no match")
	}
}

func TestRepoCloneURL(t *testing.T) {
	got := repoCloneURL("acme", "widgets")
	want := "https://github.com/acme/widgets.git"
	if got != want {
		t.Fatalf("repoCloneURL = %q, want %q", got, want)
	}
}

func TestPrWorktreeDirName(t *testing.T) {
	got := prWorktreeDirName("acme", "widgets", 42)
	want := "acme-widgets-pr-42"
	if got != want {
		t.Fatalf("prWorktreeDirName = %q, want %q", got, want)
	}
}

func TestCategoryOfUnwrapsTaskError(t *testing.T) {
	err := coreerr.NewTaskError(coreerr.CategoryPush, "push", errors.New("boom"))
	if got := categoryOf(err); got != coreerr.CategoryPush {
		t.Fatalf("categoryOf = %v, want %v", got, coreerr.CategoryPush)
	}
}

func TestCategoryOfDefaultsToInternal(t *testing.T) {
	if got := categoryOf(errors.New("plain")); got != coreerr.CategoryInternal {
		t.Fatalf("categoryOf = %v, want %v", got, coreerr.CategoryInternal)
	}
}

func TestStillUnprocessedDropsAcknowledged(t *testing.T) {
	candidates := []model.UnprocessedComment{
		{ID: 1, Author: "alice", Body: "please retry"},
		{ID: 2, Author: "bob", Body: "fix this"},
	}
	history := []hosting.Comment{
		{ID: 1, Author: "alice", Body: "please retry"},
		{ID: 2, Author: "bob", Body: "fix this"},
		{ID: 3, Author: "aifixd-bot", Body: "Starting work on the following request(s):\n- fix this (comment 2✓)", IsBot: true},
	}

	out := stillUnprocessed(candidates, history)
	if len(out) != 1 || out[0].ID != 1 {
		t.Fatalf("expected only comment 1 to survive, got %+v", out)
	}
}

func TestAcknowledgmentCommentIncludesAllMarkers(t *testing.T) {
	unprocessed := []model.UnprocessedComment{
		{ID: 10, Author: "alice", Body: "please retry"},
		{ID: 20, Author: "bob", Body: "fix this"},
	}
	body := acknowledgmentComment(unprocessed)
	for _, marker := range []string{"10✓", "20✓"} {
		if !strings.Contains(body, marker) {
			t.Fatalf("expected ack comment to contain %q, got %q", marker, body)
		}
	}
}

func TestUsageLimitErrorDetectedByIsUsageLimitError(t *testing.T) {
	ule := &coreerr.UsageLimitError{ResetAt: time.Now().Add(time.Hour), Raw: "usage limit"}
	var err error = ule
	got, ok := coreerr.IsUsageLimitError(err)
	if !ok || got.ResetAt != ule.ResetAt {
		t.Fatalf("expected to detect usage limit error, got ok=%v", ok)
	}
}

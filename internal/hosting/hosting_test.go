package hosting

import (
	"context"
	"strings"
	"testing"
)

func TestValidateAndTruncatePRTitleShort(t *testing.T) {
	result := ValidateAndTruncatePRTitle("fix: null pointer in parser")
	if result.Title != "fix: null pointer in parser" {
		t.Fatalf("expected title unchanged, got %q", result.Title)
	}
	if result.DescriptionPrefix != "" {
		t.Fatalf("expected no description prefix for a short title")
	}
	if body := result.Body("original body"); body != "original body" {
		t.Fatalf("expected body unchanged, got %q", body)
	}
}

func TestValidateAndTruncatePRTitleLong(t *testing.T) {
	long := strings.Repeat("a", 300)
	result := ValidateAndTruncatePRTitle(long)

	if len(result.Title) != MaxGitHubPRTitleLength {
		t.Fatalf("expected truncated title of length %d, got %d", MaxGitHubPRTitleLength, len(result.Title))
	}
	if !strings.HasSuffix(result.Title, "...") {
		t.Fatalf("expected truncated title to end with ellipsis, got %q", result.Title)
	}
	if !strings.Contains(result.DescriptionPrefix, long) {
		t.Fatalf("expected description prefix to carry the full original title")
	}

	body := result.Body("original body")
	if !strings.Contains(body, long) || !strings.Contains(body, "original body") {
		t.Fatalf("expected body to carry both the full title and original body, got %q", body)
	}
}

func TestMemoryClientAddCommentWithIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	client.SeedIssue(Issue{Owner: "acme", Repo: "widgets", Number: 42})

	id1, created1, err := client.AddCommentWithIdempotencyKey(ctx, "acme", "widgets", 42, "task-1", "first attempt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created1 {
		t.Fatalf("expected first call to create a comment")
	}

	id2, created2, err := client.AddCommentWithIdempotencyKey(ctx, "acme", "widgets", 42, "task-1", "second attempt, different body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created2 {
		t.Fatalf("expected second call with same key to be a no-op")
	}
	if id1 != id2 {
		t.Fatalf("expected the same comment ID to be returned, got %d and %d", id1, id2)
	}

	comments, err := client.ListIssueComments(ctx, "acme", "widgets", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("expected exactly one comment to have been posted, got %d", len(comments))
	}
}

func TestMemoryClientLabelToggle(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	client.SeedIssue(Issue{Owner: "acme", Repo: "widgets", Number: 7})

	if err := client.AddLabelIfAbsent(ctx, "acme", "widgets", 7, "aifixd-processing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.AddLabelIfAbsent(ctx, "acme", "widgets", 7, "AIFIXD-Processing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(client.Labels["acme/widgets#7"]); got != 1 {
		t.Fatalf("expected case-insensitive add to be a no-op, got %d labels", got)
	}

	if err := client.RemoveLabelIfPresent(ctx, "acme", "widgets", 7, "aifixd-PROCESSING"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(client.Labels["acme/widgets#7"]); got != 0 {
		t.Fatalf("expected label to be removed, got %d remaining", got)
	}
}

func TestMemoryClientCreateAndListPulls(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()

	pr, err := client.CreatePull(ctx, "acme", "widgets", CreatePullParams{
		Title: "fix: resolve issue 7",
		Head:  "aifixd/issue-7",
		Base:  "main",
		Body:  "closes #7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.Number != 1 {
		t.Fatalf("expected first PR to be numbered 1, got %d", pr.Number)
	}

	open, err := client.ListOpenPulls(ctx, "acme", "widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 || open[0].Head != "aifixd/issue-7" {
		t.Fatalf("expected one open pull on aifixd/issue-7, got %+v", open)
	}
}

var _ Client = (*MemoryClient)(nil)

// Package hosting is the narrow façade over the hosting service (spec.md
// §4.5) — the rest of the daemon depends only on the Client interface, never
// on github.com/google/go-github types directly.
package hosting

import (
	"context"
	"time"
)

// Issue mirrors the subset of a hosting-service issue the rest of the
// daemon consumes.
type Issue struct {
	Owner     string
	Repo      string
	Number    int
	Title     string
	Body      string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is a single issue or PR-review comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	IsBot     bool
	CreatedAt time.Time
}

// Branch describes a repository branch's current head.
type Branch struct {
	Name string
	SHA  string
}

// Comparison is the result of comparing two refs.
type Comparison struct {
	AheadBy  int
	BehindBy int
	Status   string
}

// CreatePullParams are the inputs to CreatePull.
type CreatePullParams struct {
	Title string
	Head  string
	Base  string
	Body  string
	Draft bool
}

// Pull mirrors the subset of a pull request the daemon consumes.
type Pull struct {
	Number int
	URL    string
	Head   string
	Base   string
	State  string
	Author string
	Labels []string
}

// ListPullsFilter narrows ListPulls to a head branch and/or state.
type ListPullsFilter struct {
	Head  string
	State string
}

// Client is the Hosting-Service Adapter's capability interface (spec.md §4.5).
type Client interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	ListOpenIssuesWithLabel(ctx context.Context, owner, repo, label string) ([]Issue, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]Comment, error)
	ListReviewComments(ctx context.Context, owner, repo string, prNumber int) ([]Comment, error)
	ListOpenPulls(ctx context.Context, owner, repo string) ([]Pull, error)
	GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error)
	CompareRefs(ctx context.Context, owner, repo, base, head string) (*Comparison, error)
	CreatePull(ctx context.Context, owner, repo string, params CreatePullParams) (*Pull, error)
	ListPulls(ctx context.Context, owner, repo string, filter ListPullsFilter) ([]Pull, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	SetLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	AddComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)

	// Auth returns the current access token and a function to force an
	// async refresh, used by the Clone/Worktree Store's push path.
	Auth(ctx context.Context) (token string, refresh func(context.Context) (string, error), err error)

	AddLabelIfAbsent(ctx context.Context, owner, repo string, number int, label string) error
	RemoveLabelIfPresent(ctx context.Context, owner, repo string, number int, label string) error
	AddCommentWithIdempotencyKey(ctx context.Context, owner, repo string, number int, key, body string) (int64, bool, error)
}

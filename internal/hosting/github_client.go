package hosting

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v84/github"
)

// GitHubClient is the production Client implementation over go-github.
type GitHubClient struct {
	gh      *github.Client
	refresh func(context.Context) (string, error)
}

// NewGitHubClient constructs a GitHubClient using App-installation auth when
// app is fully populated, otherwise falling back to token (a PAT).
func NewGitHubClient(ctx context.Context, app AppAuthParams, token, enterpriseBaseURL string) (*GitHubClient, error) {
	gh, refresh, err := newGitHubClient(ctx, app, token, enterpriseBaseURL)
	if err != nil {
		return nil, err
	}
	return &GitHubClient{gh: gh, refresh: refresh}, nil
}

func (c *GitHubClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	iss, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting issue %s/%s#%d: %w", owner, repo, number, err)
	}
	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		Owner: owner, Repo: repo, Number: number,
		Title: iss.GetTitle(), Body: iss.GetBody(), Labels: labels,
		CreatedAt: iss.GetCreatedAt().Time, UpdatedAt: iss.GetUpdatedAt().Time,
	}, nil
}

// ListOpenIssuesWithLabel pages through every open issue carrying label.
// Pull requests (which the issues API also returns) are filtered out.
func (c *GitHubClient) ListOpenIssuesWithLabel(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	var out []Issue
	opt := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opt)
		if err != nil {
			return nil, fmt.Errorf("listing open issues labelled %q on %s/%s: %w", label, owner, repo, err)
		}
		for _, iss := range issues {
			if iss.IsPullRequest() {
				continue
			}
			labels := make([]string, 0, len(iss.Labels))
			for _, l := range iss.Labels {
				labels = append(labels, l.GetName())
			}
			out = append(out, Issue{
				Owner: owner, Repo: repo, Number: iss.GetNumber(),
				Title: iss.GetTitle(), Body: iss.GetBody(), Labels: labels,
				CreatedAt: iss.GetCreatedAt().Time, UpdatedAt: iss.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	var out []Comment
	opt := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opt)
		if err != nil {
			return nil, fmt.Errorf("listing comments for %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, cm := range comments {
			out = append(out, Comment{
				ID: cm.GetID(), Author: cm.GetUser().GetLogin(), Body: cm.GetBody(),
				IsBot: cm.GetUser().GetType() == "Bot", CreatedAt: cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) ListReviewComments(ctx context.Context, owner, repo string, prNumber int) ([]Comment, error) {
	var out []Comment
	opt := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, prNumber, opt)
		if err != nil {
			return nil, fmt.Errorf("listing review comments for %s/%s#%d: %w", owner, repo, prNumber, err)
		}
		for _, cm := range comments {
			out = append(out, Comment{
				ID: cm.GetID(), Author: cm.GetUser().GetLogin(), Body: cm.GetBody(),
				IsBot: cm.GetUser().GetType() == "Bot", CreatedAt: cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) ListOpenPulls(ctx context.Context, owner, repo string) ([]Pull, error) {
	return c.ListPulls(ctx, owner, repo, ListPullsFilter{State: "open"})
}

func (c *GitHubClient) GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error) {
	b, _, err := c.gh.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		return nil, fmt.Errorf("getting branch %s/%s@%s: %w", owner, repo, branch, err)
	}
	return &Branch{Name: b.GetName(), SHA: b.GetCommit().GetSHA()}, nil
}

func (c *GitHubClient) CompareRefs(ctx context.Context, owner, repo, base, head string) (*Comparison, error) {
	cmp, _, err := c.gh.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return nil, fmt.Errorf("comparing %s...%s on %s/%s: %w", base, head, owner, repo, err)
	}
	return &Comparison{AheadBy: cmp.GetAheadBy(), BehindBy: cmp.GetBehindBy(), Status: cmp.GetStatus()}, nil
}

func (c *GitHubClient) CreatePull(ctx context.Context, owner, repo string, params CreatePullParams) (*Pull, error) {
	validated := ValidateAndTruncatePRTitle(params.Title)
	body := validated.Body(params.Body)

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(validated.Title),
		Head:  github.Ptr(params.Head),
		Base:  github.Ptr(params.Base),
		Body:  github.Ptr(body),
		Draft: github.Ptr(params.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request on %s/%s: %w", owner, repo, err)
	}
	return &Pull{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Head: params.Head, Base: params.Base, State: pr.GetState(), Author: pr.GetUser().GetLogin()}, nil
}

func (c *GitHubClient) ListPulls(ctx context.Context, owner, repo string, filter ListPullsFilter) ([]Pull, error) {
	opt := &github.PullRequestListOptions{State: filter.State, ListOptions: github.ListOptions{PerPage: 100}}
	if filter.Head != "" {
		opt.Head = owner + ":" + filter.Head
	}
	var out []Pull
	for {
		pulls, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opt)
		if err != nil {
			return nil, fmt.Errorf("listing pulls on %s/%s: %w", owner, repo, err)
		}
		for _, pr := range pulls {
			labels := make([]string, 0, len(pr.Labels))
			for _, l := range pr.Labels {
				labels = append(labels, l.GetName())
			}
			out = append(out, Pull{
				Number: pr.GetNumber(), URL: pr.GetHTMLURL(),
				Head: pr.GetHead().GetRef(), Base: pr.GetBase().GetRef(), State: pr.GetState(),
				Author: pr.GetUser().GetLogin(), Labels: labels,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return fmt.Errorf("adding labels to %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
	if err != nil {
		return fmt.Errorf("removing label %s from %s/%s#%d: %w", label, owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) SetLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.gh.Issues.ReplaceLabelsForIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return fmt.Errorf("setting labels on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) AddComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	cm, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return 0, fmt.Errorf("adding comment to %s/%s#%d: %w", owner, repo, number, err)
	}
	return cm.GetID(), nil
}

func (c *GitHubClient) Auth(ctx context.Context) (string, func(context.Context) (string, error), error) {
	token, err := c.refresh(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("refreshing hosting-service token: %w", err)
	}
	return token, c.refresh, nil
}

func (c *GitHubClient) AddLabelIfAbsent(ctx context.Context, owner, repo string, number int, label string) error {
	iss, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("checking labels on %s/%s#%d: %w", owner, repo, number, err)
	}
	for _, l := range iss.Labels {
		if strings.EqualFold(l.GetName(), label) {
			return nil
		}
	}
	return c.AddLabels(ctx, owner, repo, number, []string{label})
}

func (c *GitHubClient) RemoveLabelIfPresent(ctx context.Context, owner, repo string, number int, label string) error {
	iss, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("checking labels on %s/%s#%d: %w", owner, repo, number, err)
	}
	for _, l := range iss.Labels {
		if strings.EqualFold(l.GetName(), label) {
			return c.RemoveLabel(ctx, owner, repo, number, label)
		}
	}
	return nil
}

func (c *GitHubClient) AddCommentWithIdempotencyKey(ctx context.Context, owner, repo string, number int, key, body string) (int64, bool, error) {
	marker := idempotencyMarker(key)
	comments, err := c.ListIssueComments(ctx, owner, repo, number)
	if err != nil {
		return 0, false, err
	}
	for _, cm := range comments {
		if strings.Contains(cm.Body, marker) {
			return cm.ID, false, nil
		}
	}
	id, err := c.AddComment(ctx, owner, repo, number, body+"\n\n"+marker)
	return id, true, err
}

func idempotencyMarker(key string) string {
	return "<!-- aifixd:idempotency:" + key + " -->"
}

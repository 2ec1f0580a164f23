package hosting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryClient is an in-memory Client double for worker/poller tests — the
// rest of the daemon never imports go-github, so tests never need a real
// network call or a recorded-cassette fixture.
type MemoryClient struct {
	mu sync.Mutex

	Issues   map[string]*Issue
	Comments map[string][]Comment
	Pulls    map[string][]*Pull
	Labels   map[string][]string
	Branches map[string]*Branch
	Token    string
	Author   string

	nextCommentID int64
	nextPRNumber  int
}

// NewMemoryClient constructs an empty MemoryClient ready for tests to seed.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		Issues:   map[string]*Issue{},
		Comments: map[string][]Comment{},
		Pulls:    map[string][]*Pull{},
		Labels:   map[string][]string{},
		Branches: map[string]*Branch{},
		Token:        "memory-token",
		Author:       "aifixd-bot",
		nextPRNumber: 1,
	}
}

func issueKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (m *MemoryClient) SeedIssue(iss Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Issues[issueKey(iss.Owner, iss.Repo, iss.Number)] = &iss
}

func (m *MemoryClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iss, ok := m.Issues[issueKey(owner, repo, number)]
	if !ok {
		return nil, fmt.Errorf("no such issue %s", issueKey(owner, repo, number))
	}
	return iss, nil
}

func (m *MemoryClient) ListOpenIssuesWithLabel(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, iss := range m.Issues {
		if iss.Owner != owner || iss.Repo != repo {
			continue
		}
		for _, l := range iss.Labels {
			if strings.EqualFold(l, label) {
				out = append(out, *iss)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryClient) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Comment{}, m.Comments[issueKey(owner, repo, number)]...), nil
}

func (m *MemoryClient) ListReviewComments(ctx context.Context, owner, repo string, prNumber int) ([]Comment, error) {
	return m.ListIssueComments(ctx, owner, repo, prNumber)
}

func (m *MemoryClient) ListOpenPulls(ctx context.Context, owner, repo string) ([]Pull, error) {
	return m.ListPulls(ctx, owner, repo, ListPullsFilter{State: "open"})
}

func (m *MemoryClient) GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Branches[owner+"/"+repo+"@"+branch]
	if !ok {
		return nil, fmt.Errorf("no such branch %s/%s@%s", owner, repo, branch)
	}
	return b, nil
}

func (m *MemoryClient) CompareRefs(ctx context.Context, owner, repo, base, head string) (*Comparison, error) {
	return &Comparison{Status: "ahead", AheadBy: 1}, nil
}

func (m *MemoryClient) CreatePull(ctx context.Context, owner, repo string, params CreatePullParams) (*Pull, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	validated := ValidateAndTruncatePRTitle(params.Title)
	_ = validated.Body(params.Body)
	pr := &Pull{
		Number: m.nextPRNumber, URL: fmt.Sprintf("https://example.invalid/%s/%s/pull/%d", owner, repo, m.nextPRNumber),
		Head: params.Head, Base: params.Base, State: "open", Author: m.Author,
	}
	m.nextPRNumber++
	key := owner + "/" + repo
	m.Pulls[key] = append(m.Pulls[key], pr)
	return pr, nil
}

func (m *MemoryClient) ListPulls(ctx context.Context, owner, repo string, filter ListPullsFilter) ([]Pull, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pull
	for _, pr := range m.Pulls[owner+"/"+repo] {
		if filter.Head != "" && pr.Head != filter.Head {
			continue
		}
		if filter.State != "" && pr.State != filter.State {
			continue
		}
		out = append(out, *pr)
	}
	return out, nil
}

func (m *MemoryClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := issueKey(owner, repo, number)
	m.Labels[key] = append(m.Labels[key], labels...)
	return nil
}

func (m *MemoryClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := issueKey(owner, repo, number)
	out := m.Labels[key][:0]
	for _, l := range m.Labels[key] {
		if !strings.EqualFold(l, label) {
			out = append(out, l)
		}
	}
	m.Labels[key] = out
	return nil
}

func (m *MemoryClient) SetLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Labels[issueKey(owner, repo, number)] = append([]string{}, labels...)
	return nil
}

func (m *MemoryClient) AddComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCommentID++
	key := issueKey(owner, repo, number)
	m.Comments[key] = append(m.Comments[key], Comment{ID: m.nextCommentID, Author: "aifixd-bot", Body: body})
	return m.nextCommentID, nil
}

func (m *MemoryClient) Auth(ctx context.Context) (string, func(context.Context) (string, error), error) {
	return m.Token, func(context.Context) (string, error) { return m.Token, nil }, nil
}

func (m *MemoryClient) AddLabelIfAbsent(ctx context.Context, owner, repo string, number int, label string) error {
	m.mu.Lock()
	key := issueKey(owner, repo, number)
	for _, l := range m.Labels[key] {
		if strings.EqualFold(l, label) {
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()
	return m.AddLabels(ctx, owner, repo, number, []string{label})
}

func (m *MemoryClient) RemoveLabelIfPresent(ctx context.Context, owner, repo string, number int, label string) error {
	return m.RemoveLabel(ctx, owner, repo, number, label)
}

func (m *MemoryClient) AddCommentWithIdempotencyKey(ctx context.Context, owner, repo string, number int, key, body string) (int64, bool, error) {
	marker := idempotencyMarker(key)
	comments, _ := m.ListIssueComments(ctx, owner, repo, number)
	for _, cm := range comments {
		if strings.Contains(cm.Body, marker) {
			return cm.ID, false, nil
		}
	}
	id, err := m.AddComment(ctx, owner, repo, number, body+"\n\n"+marker)
	return id, true, err
}

var _ Client = (*MemoryClient)(nil)
var _ Client = (*GitHubClient)(nil)

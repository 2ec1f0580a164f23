package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aifixd/internal/corelog"
	"aifixd/internal/hosting"
	"aifixd/internal/model"
	"aifixd/internal/queue"
)

// sweepPRFollowups implements spec.md §4.6 step 4: find bot-authored,
// {prLabel}-tagged pull requests with unprocessed, trigger-keyword comments
// and enqueue one processPrComments batch job per PR.
func (p *Poller) sweepPRFollowups(ctx context.Context, owner, repo string) error {
	pulls, err := p.hosting.ListOpenPulls(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("listing open pulls on %s/%s: %w", owner, repo, err)
	}

	for _, pr := range pulls {
		if !strings.EqualFold(pr.Author, p.cfg.BotUsername) {
			continue
		}
		if !hasLabel(pr.Labels, p.cfg.PRLabel) {
			continue
		}

		comments, err := p.hosting.ListIssueComments(ctx, owner, repo, pr.Number)
		if err != nil {
			corelog.Error("listing comments on %s/%s#%d: %v", owner, repo, pr.Number, err)
			continue
		}

		unprocessed := p.unprocessedComments(comments)
		if len(unprocessed) == 0 {
			continue
		}

		if err := p.enqueuePRCommentJob(ctx, owner, repo, pr.Number, pr.Head, unprocessed); err != nil {
			corelog.Error("enqueueing pr-comment job for %s/%s#%d: %v", owner, repo, pr.Number, err)
		}
	}
	return nil
}

// unprocessedComments returns the comments (spec.md §4.6 step 4) not yet
// acknowledged by a bot comment containing "{commentId}✓", excluding bot
// comments, blacklisted users, and (if a whitelist is configured) non-members,
// and keeping only comments whose body contains a trigger keyword.
func (p *Poller) unprocessedComments(comments []hosting.Comment) []model.UnprocessedComment {
	acknowledged := map[int64]bool{}
	for _, c := range comments {
		if !p.isBotComment(c) {
			continue
		}
		for _, other := range comments {
			if strings.Contains(c.Body, fmt.Sprintf("%d✓", other.ID)) {
				acknowledged[other.ID] = true
			}
		}
	}

	var out []model.UnprocessedComment
	for _, c := range comments {
		if p.isBotComment(c) || acknowledged[c.ID] {
			continue
		}
		if isBlacklisted(p.cfg.UserBlacklist, c.Author) {
			continue
		}
		if len(p.cfg.UserWhitelist) > 0 && !isWhitelisted(p.cfg.UserWhitelist, c.Author) {
			continue
		}
		if !containsTriggerKeyword(c.Body, p.cfg.PRFollowupTriggerKeywords) {
			continue
		}
		out = append(out, model.UnprocessedComment{
			ID: c.ID, Author: c.Author, Body: c.Body, CreatedAt: c.CreatedAt,
		})
	}
	return out
}

func (p *Poller) isBotComment(c hosting.Comment) bool {
	return c.IsBot || strings.EqualFold(c.Author, p.cfg.BotUsername)
}

func isBlacklisted(blacklist []string, user string) bool {
	for _, b := range blacklist {
		if strings.EqualFold(b, user) {
			return true
		}
	}
	return false
}

func isWhitelisted(whitelist []string, user string) bool {
	for _, w := range whitelist {
		if strings.EqualFold(w, user) {
			return true
		}
	}
	return false
}

func containsTriggerKeyword(body string, keywords []string) bool {
	lower := strings.ToLower(body)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (p *Poller) enqueuePRCommentJob(ctx context.Context, owner, repo string, prNumber int, branch string, comments []model.UnprocessedComment) error {
	epochMs := time.Now().UnixMilli()
	jobID := fmt.Sprintf("pr-%s-%s-%d-%d", owner, repo, prNumber, epochMs)

	payload := model.PRCommentJobPayload{
		Owner: owner, Repo: repo, PRNumber: prNumber, Branch: branch,
		Model: p.cfg.DefaultModel, CorrelationID: jobID, Comments: comments,
	}

	if err := p.queue.Add(ctx, string(model.JobKindPRComment), payload, queue.AddOptions{JobID: jobID}); err != nil {
		return fmt.Errorf("adding job %s: %w", jobID, err)
	}
	corelog.InfoWith("enqueued pr-comment job", "jobId", jobID, "owner", owner, "repo", repo, "prNumber", prNumber, "comments", len(comments))
	return nil
}

package poller

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"aifixd/internal/config"
	"aifixd/internal/corelog"
	"aifixd/internal/hosting"
	"aifixd/internal/model"
	"aifixd/internal/queue"
	"aifixd/internal/statestore"
)

// sweepIssues implements spec.md §4.6 steps 1-3: discover candidate issues,
// resolve each one's target model set, and enqueue one processIssue job per
// (issue, model) pair.
func (p *Poller) sweepIssues(ctx context.Context, owner, repo string) error {
	issues, err := p.hosting.ListOpenIssuesWithLabel(ctx, owner, repo, p.cfg.PrimaryTag)
	if err != nil {
		return fmt.Errorf("listing %s-tagged issues on %s/%s: %w", p.cfg.PrimaryTag, owner, repo, err)
	}

	re, err := p.cfg.ModelLabelRegexp()
	if err != nil {
		return fmt.Errorf("compiling model label pattern: %w", err)
	}

	for _, iss := range issues {
		if hasLabel(iss.Labels, p.cfg.ProcessingTag) || hasLabel(iss.Labels, p.cfg.DoneTag) {
			continue
		}

		models := targetModels(iss.Labels, re, p.cfg)
		for i, m := range models {
			if err := p.enqueueIssueJob(ctx, iss, m, time.Duration(i)*time.Duration(p.cfg.ModelStartDelayMS)*time.Millisecond); err != nil {
				corelog.Error("enqueueing issue job for %s/%s#%d model=%s: %v", owner, repo, iss.Number, m, err)
			}
		}
	}
	return nil
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, target) {
			return true
		}
	}
	return false
}

// targetModels resolves the TargetModel set (spec.md §4.6 step 2): the
// model-tag regex matches on iss's labels, alias-resolved, or a singleton of
// the configured default model when nothing matches.
func targetModels(labels []string, re *regexp.Regexp, cfg *config.Config) []string {
	var models []string
	for _, l := range labels {
		m := re.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		models = append(models, cfg.ResolveModelAlias(m[1]))
	}
	if len(models) == 0 {
		return []string{cfg.DefaultModel}
	}
	return models
}

func (p *Poller) enqueueIssueJob(ctx context.Context, iss hosting.Issue, modelName string, startDelay time.Duration) error {
	epochMs := time.Now().UnixMilli()
	jobID := fmt.Sprintf("issue-%s-%s-%d-%s-%d", iss.Owner, iss.Repo, iss.Number, modelName, epochMs)

	payload := model.IssueJobPayload{
		Owner: iss.Owner, Repo: iss.Repo, Number: iss.Number, Model: modelName,
		CorrelationID: jobID, EnqueuedAtEpoch: epochMs,
	}

	if err := p.queue.Add(ctx, string(model.JobKindIssue), payload, queue.AddOptions{
		JobID: jobID, Delay: startDelay,
	}); err != nil {
		return fmt.Errorf("adding job %s: %w", jobID, err)
	}

	if p.store != nil {
		_ = p.store.RecordActivity(ctx, statestore.ActivityEntry{
			Owner: iss.Owner, Repo: iss.Repo, Number: iss.Number, Model: modelName,
			JobID: jobID, RecordedAt: time.Now(),
		})
	}
	corelog.InfoWith("enqueued issue job", "jobId", jobID, "owner", iss.Owner, "repo", iss.Repo, "number", iss.Number, "model", modelName)
	return nil
}

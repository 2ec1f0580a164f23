// Package poller implements the Poller (spec.md §4.6): a periodic sweep of
// each configured repository that discovers issues and PR-follow-up comments
// needing work and enqueues jobs for the workers to pick up.
package poller

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"aifixd/internal/config"
	"aifixd/internal/corelog"
	"aifixd/internal/hosting"
	"aifixd/internal/queue"
	"aifixd/internal/statestore"
)

// Poller owns the cron schedule driving repeated sweeps across every
// configured repository.
type Poller struct {
	cfg     *config.Config
	hosting hosting.Client
	queue   *queue.Queue
	store   *statestore.Store

	cron *cron.Cron
}

// New constructs a Poller. q is the queue jobs are enqueued to; store is
// used for the dashboard activity log.
func New(cfg *config.Config, h hosting.Client, q *queue.Queue, store *statestore.Store) *Poller {
	return &Poller{cfg: cfg, hosting: h, queue: q, store: store}
}

// Start schedules sweeps at cfg.PollInterval and runs until ctx is
// cancelled. A cron.Recover chain keeps one sweep's panic from killing
// subsequent ones.
func (p *Poller) Start(ctx context.Context) {
	p.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", p.cfg.PollInterval)
	_, err := p.cron.AddFunc(spec, func() {
		p.sweepAll(ctx)
	})
	if err != nil {
		corelog.Error("scheduling poller sweep: %v", err)
		return
	}
	p.cron.Start()
	<-ctx.Done()
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
}

func (p *Poller) sweepAll(ctx context.Context) {
	for _, fullName := range p.cfg.Repositories {
		owner, repo, ok := splitFullName(fullName)
		if !ok {
			corelog.Error("skipping malformed repository %q", fullName)
			continue
		}
		if err := p.sweepRepository(ctx, owner, repo); err != nil {
			corelog.Error("sweeping %s/%s: %v", owner, repo, err)
		}
	}
}

func splitFullName(fullName string) (owner, repo string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// sweepRepository runs the four-step sweep (spec.md §4.6) for one repository.
func (p *Poller) sweepRepository(ctx context.Context, owner, repo string) error {
	if err := p.sweepIssues(ctx, owner, repo); err != nil {
		return err
	}
	if p.cfg.PRFollowupEnabled() {
		if err := p.sweepPRFollowups(ctx, owner, repo); err != nil {
			return fmt.Errorf("pr follow-up sweep: %w", err)
		}
	}
	return nil
}

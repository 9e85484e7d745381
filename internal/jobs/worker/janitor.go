package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	domainjobs "github.com/aidenerard/fluxspace-site/internal/domain/jobs"
	"github.com/aidenerard/fluxspace-site/internal/jobs/pipeline"
	"github.com/aidenerard/fluxspace-site/internal/jobs/runtime"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
)

const staleBatch = 100

func (p *Pool) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C:
			if n, err := p.FailStale(ctx); err != nil {
				p.log.Warn("watchdog sweep failed", "error", err)
			} else if n > 0 {
				p.log.Warn("watchdog failed stale jobs", "count", n)
			}
			if p.cfg.WorkspaceTTL > 0 {
				if _, err := p.ReapWorkspaces(ctx); err != nil {
					p.log.Warn("workspace reap failed", "error", err)
				}
			}
		}
	}
}

// FailStale fails every processing job that started longer ago than the executor's maximum
// duration. It returns how many jobs it moved to failed.
func (p *Pool) FailStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-p.executor.MaxDuration())
	stale, err := p.jobs.ListStale(dbctx.Context{Ctx: ctx}, cutoff, staleBatch)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, job := range stale {
		jc := runtime.NewContext(ctx, job, p.jobs, p.notify)
		jc.Fail("watchdog", pipeline.ErrJobDeadline)
		if job.Status == domainjobs.StatusFailed {
			failed++
			p.metrics.ObserveJob(job.Status, 0)
		}
	}
	return failed, nil
}

// ReapWorkspaces removes workspaces of finished or unknown jobs older than WorkspaceTTL.
func (p *Pool) ReapWorkspaces(ctx context.Context) (int, error) {
	lookup := func(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
		return p.jobs.TerminalIDs(dbctx.Context{Ctx: ctx}, ids)
	}
	res, err := p.workspaces.Reap(ctx, lookup, p.cfg.WorkspaceTTL)
	for _, e := range res.Errors {
		p.log.Warn("remove workspace failed", "error", e)
	}
	if len(res.Removed) > 0 {
		p.log.Info("workspaces reaped", "removed", len(res.Removed), "scanned", res.Scanned)
	}
	p.metrics.AddWorkspacesReaped(len(res.Removed))
	return len(res.Removed), err
}

package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/metrics"
	"github.com/JakeFAU/codedox/internal/pipeline"
	"github.com/JakeFAU/codedox/internal/telemetry"
)

// execute runs one crawl to completion. It is the only writer of a job's
// terminal status during a run.
func (m *Manager) execute(ctx context.Context, t *Task) {
	jobID := t.jobID
	defer m.executions.Done()
	defer close(t.done)
	defer func() {
		m.mu.Lock()
		if m.tasks[jobID] == t {
			delete(m.tasks, jobID)
		}
		m.mu.Unlock()
	}()
	defer t.cancel()

	ctx, span := telemetry.Start(ctx, "orchestrator.execute", attribute.String("job_id", jobID))
	defer span.End()

	job, ok, err := m.jobs.GetStatus(ctx, jobID)
	switch {
	case err != nil:
		m.logger.Error("load job for execution", zap.String("job_id", jobID), zap.Error(err))
		telemetry.Fail(span, err)
		return
	case !ok:
		m.logger.Warn("job vanished before execution", zap.String("job_id", jobID))
		return
	case job.Status == crawler.JobStatusCancelled:
		m.logger.Info("job cancelled before start", zap.String("job_id", jobID))
		return
	}
	if job.Status != crawler.JobStatusRunning {
		if err := m.jobs.UpdateStatus(ctx, jobID, crawler.JobStatusRunning, crawler.PhaseCrawling, ""); err != nil {
			telemetry.Fail(span, err)
			m.fail(ctx, jobID, err)
			return
		}
	}

	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()
	m.tracker.StartTracking(ctx, jobID)
	defer m.tracker.StopTracking(jobID)

	stats, err := m.pipeline.Run(ctx, pipeline.Request{
		JobID:           jobID,
		StartURLs:       job.StartURLs,
		MaxDepth:        job.MaxDepth,
		MaxPages:        job.Config.MaxPages,
		AllowedDomains:  job.Config.DomainRestrictions,
		IncludePatterns: job.Config.IncludePatterns,
		ExcludePatterns: job.Config.ExcludePatterns,
		Concurrency:     job.Config.MaxConcurrentCrawls,
		BaseSnippets:    job.Config.BaseSnippetCount,
	})
	span.SetAttributes(
		attribute.Int("pages_crawled", stats.Crawled),
		attribute.Int("pages_failed", stats.Failed),
		attribute.Int("pages_skipped", stats.Skipped),
	)
	if err == nil {
		err = m.complete(ctx, jobID, stats)
	}
	telemetry.Fail(span, err)
	switch {
	case err == nil:
	case crawler.IsCancellation(err) || ctx.Err() != nil:
		t.err = err
		m.cancelled(ctx, t)
	default:
		m.fail(ctx, jobID, err)
	}
}

func (m *Manager) complete(ctx context.Context, jobID string, stats pipeline.Stats) error {
	if err := m.jobs.UpdatePhase(ctx, jobID, crawler.PhaseFinalizing); err != nil {
		return err
	}
	m.tracker.Notify(ctx, jobID, crawler.JobStatusRunning, "Finalizing crawl", nil)

	job, err := m.jobs.Finalize(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled, err := m.jobs.IsCancelled(ctx, jobID); err == nil && cancelled {
		return crawler.ErrJobCancelled
	}
	if err := m.jobs.UpdateStatus(ctx, jobID, crawler.JobStatusCompleted, crawler.PhaseNone, ""); err != nil {
		return err
	}
	metrics.ObserveJob(string(crawler.JobStatusCompleted))
	m.tracker.Notify(ctx, jobID, crawler.JobStatusCompleted, "Crawl completed", map[string]any{
		"pages_crawled":   stats.Crawled,
		"failed_pages":    stats.Failed,
		"skipped_pages":   stats.Skipped,
		"snippets_reused": stats.ReusedSnippets,
	})
	m.logger.Info("crawl completed",
		zap.String("job_id", jobID),
		zap.Int("documents", job.DocumentsCrawled),
		zap.Int("snippets", job.SnippetsExtracted),
		zap.Int("failed_pages", stats.Failed),
	)
	return nil
}

// cancelled records a cancelled run. A superseded run leaves the job to its
// replacement; a job already marked cancelled stays cancelled; anything else
// is failed with the cancellation reason.
func (m *Manager) cancelled(ctx context.Context, t *Task) {
	if t.superseded.Load() {
		m.logger.Info("execution superseded by a newer run", zap.String("job_id", t.jobID))
		return
	}
	ctx = context.WithoutCancel(ctx)
	job, ok, err := m.jobs.GetStatus(ctx, t.jobID)
	if err != nil || !ok {
		return
	}
	status := crawler.JobStatusCancelled
	if job.Status != crawler.JobStatusCancelled {
		status = crawler.JobStatusFailed
		if err := m.jobs.UpdateStatus(ctx, t.jobID, status, crawler.PhaseNone, crawler.CancelledByUser); err != nil {
			m.logger.Error("mark cancelled job failed", zap.String("job_id", t.jobID), zap.Error(err))
		}
	}
	metrics.ObserveJob(string(crawler.JobStatusCancelled))
	m.tracker.Notify(ctx, t.jobID, status, crawler.CancelledByUser, nil)
	m.logger.Info("crawl cancelled", zap.String("job_id", t.jobID))
}

func (m *Manager) fail(ctx context.Context, jobID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	m.logger.Error("crawl failed", zap.String("job_id", jobID), zap.Error(cause))
	if err := m.jobs.UpdateStatus(ctx, jobID, crawler.JobStatusFailed, crawler.PhaseNone, errorMessage(cause)); err != nil {
		m.logger.Error("mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.ObserveJob(string(crawler.JobStatusFailed))
	m.tracker.Notify(ctx, jobID, crawler.JobStatusFailed, "Crawl failed", nil)
}

func errorMessage(err error) string {
	msg := err.Error()
	if msg == "" {
		return fmt.Sprintf("%T", err)
	}
	return msg
}

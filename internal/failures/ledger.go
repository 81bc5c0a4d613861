// Package failures keeps the append-only ledger of pages a job could not
// process and builds retry jobs scoped to exactly those pages.
package failures

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/metrics"
)

// RetryRequest describes the crawl a retry job should run.
type RetryRequest struct {
	Name      string
	StartURLs []string
	MaxDepth  int
	Config    crawler.JobConfig
}

// Starter launches a crawl through the normal orchestration path.
type Starter interface {
	StartRetry(ctx context.Context, req RetryRequest) (string, error)
}

// Ledger records failed pages.
type Ledger struct {
	jobs   crawler.JobRepository
	pages  crawler.FailedPageRepository
	clock  crawler.Clock
	logger *zap.Logger
}

// NewLedger wires a Ledger.
func NewLedger(jobs crawler.JobRepository, pages crawler.FailedPageRepository, clock crawler.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{jobs: jobs, pages: pages, clock: clock, logger: logger}
}

// RecordFailure appends (jobID, url). The first failure for a URL wins. It
// does nothing when the job is gone and returns crawler.ErrJobCancelled when
// the job was cancelled, so callers stop instead of recording.
func (l *Ledger) RecordFailure(ctx context.Context, jobID, url, message string) error {
	job, err := l.jobs.GetJob(ctx, jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		l.logger.Debug("failure for missing job ignored", zap.String("job_id", jobID), zap.String("url", url))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status == crawler.JobStatusCancelled {
		return fmt.Errorf("record failure for %s: %w", url, crawler.ErrJobCancelled)
	}
	inserted, err := l.pages.InsertFailedPage(ctx, crawler.FailedPage{
		JobID:        jobID,
		URL:          url,
		ErrorMessage: message,
		FailedAt:     l.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("insert failed page %s: %w", url, err)
	}
	if inserted {
		metrics.ObservePage(url, metrics.PageFailed)
		l.logger.Warn("page failed",
			zap.String("job_id", jobID),
			zap.String("url", url),
			zap.String("error", message),
		)
	}
	return nil
}

// List returns the job's failed pages in the order they were recorded.
func (l *Ledger) List(ctx context.Context, jobID string) ([]crawler.FailedPage, error) {
	pages, err := l.pages.ListFailedPages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list failed pages for job %s: %w", jobID, err)
	}
	return pages, nil
}

// Count returns how many pages failed for the job.
func (l *Ledger) Count(ctx context.Context, jobID string) (int, error) {
	n, err := l.pages.CountFailedPages(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("count failed pages for job %s: %w", jobID, err)
	}
	return n, nil
}

// CreateRetryJob starts a job that re-fetches exactly the failed pages of
// jobID without following links. It returns "" when nothing failed.
func (l *Ledger) CreateRetryJob(ctx context.Context, jobID string, starter Starter) (string, error) {
	pages, err := l.List(ctx, jobID)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", nil
	}
	parent, err := l.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load job %s: %w", jobID, err)
	}

	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		urls = append(urls, p.URL)
	}
	req := RetryRequest{
		Name:      fmt.Sprintf("%s (retry)", parent.Name),
		StartURLs: urls,
		MaxDepth:  0,
		Config: crawler.JobConfig{
			MaxPages:            len(urls),
			MaxConcurrentCrawls: parent.Config.MaxConcurrentCrawls,
			DomainRestrictions:  parent.Config.DomainRestrictions,
			NameDetected:        true,
			Metadata: crawler.JobMetadata{
				RetryOfJob: jobID,
				Tags:       parent.Config.Metadata.Tags,
			},
		},
	}
	newID, err := starter.StartRetry(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start retry of job %s: %w", jobID, err)
	}
	l.logger.Info("created retry job",
		zap.String("job_id", jobID),
		zap.String("retry_job_id", newID),
		zap.Int("pages", len(urls)),
	)
	return newID, nil
}

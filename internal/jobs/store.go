// Package jobs owns the persistent lifecycle of crawl jobs: creation and reuse
// per domain, status transitions, progress counters and heartbeats.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/domain"
)

// DefaultMaxRetries is stored on newly created jobs.
const DefaultMaxRetries = 3

// Store is the job lifecycle service. Mutations on a job that no longer
// exists are logged and ignored.
type Store struct {
	repo   crawler.JobRepository
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// NewStore wires a Store.
func NewStore(repo crawler.JobRepository, clock crawler.Clock, ids crawler.IDGenerator, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, clock: clock, ids: ids, logger: logger}
}

// ProgressUpdate carries counters reported by a running crawl. Counters only
// move forward; lower values than the stored ones are ignored.
type ProgressUpdate struct {
	ProcessedPages    int
	TotalPages        int
	DocumentsCrawled  int
	SnippetsExtracted int
}

// GetOrCreateJobForDomain returns the job owning the domain resolved from
// urls. An existing job is reset for a fresh run: crawl parameters are
// overwritten, counters zeroed and snippets_extracted recomputed from the
// persisted snippets. Retry jobs (cfg.Metadata.RetryOfJob set) get a domain
// identity of their own.
func (s *Store) GetOrCreateJobForDomain(
	ctx context.Context,
	name string,
	urls []string,
	depth int,
	restrictions []string,
	cfg crawler.JobConfig,
) (string, error) {
	dom, err := resolveDomain(urls, cfg.Metadata.RetryOfJob)
	if err != nil {
		return "", err
	}
	cfg.DomainRestrictions = restrictions

	existing, err := s.repo.FindJobByDomain(ctx, dom)
	switch {
	case err == nil:
		return s.resetJob(ctx, existing, name, urls, depth, cfg)
	case !errors.Is(err, crawler.ErrNotFound):
		return "", fmt.Errorf("find job for domain %s: %w", dom, err)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return "", err
	}
	if name == "" {
		name = dom
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         id,
		Name:       name,
		Domain:     dom,
		StartURLs:  append([]string(nil), urls...),
		MaxDepth:   depth,
		Status:     crawler.JobStatusPending,
		MaxRetries: DefaultMaxRetries,
		Config:     cfg,
		CreatedAt:  now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		if errors.Is(err, crawler.ErrConflict) {
			// Lost a race with a concurrent create for the same domain.
			if raced, findErr := s.repo.FindJobByDomain(ctx, dom); findErr == nil {
				return s.resetJob(ctx, raced, name, urls, depth, cfg)
			}
		}
		return "", fmt.Errorf("create job for domain %s: %w", dom, err)
	}
	s.logger.Info("created crawl job", zap.String("job_id", id), zap.String("domain", dom))
	return id, nil
}

// JobIDForDomain returns the ID of the job that GetOrCreateJobForDomain would
// reuse for urls, without changing anything.
func (s *Store) JobIDForDomain(ctx context.Context, urls []string, retryOf string) (string, bool, error) {
	dom, err := resolveDomain(urls, retryOf)
	if err != nil {
		return "", false, err
	}
	job, err := s.repo.FindJobByDomain(ctx, dom)
	if errors.Is(err, crawler.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find job for domain %s: %w", dom, err)
	}
	return job.ID, true, nil
}

func resolveDomain(urls []string, retryOf string) (string, error) {
	dom, err := domain.Resolve(urls)
	if err != nil {
		return "", fmt.Errorf("resolve domain: %w", err)
	}
	if retryOf != "" {
		dom = domain.ForRetry(retryOf, dom)
	}
	return dom, nil
}

func (s *Store) resetJob(
	ctx context.Context,
	existing crawler.Job,
	name string,
	urls []string,
	depth int,
	cfg crawler.JobConfig,
) (string, error) {
	snippets, err := s.repo.CountSnippetsForJob(ctx, existing.ID)
	if err != nil {
		return "", fmt.Errorf("count snippets for job %s: %w", existing.ID, err)
	}
	now := s.clock.Now()
	_, err = s.repo.UpdateJob(ctx, existing.ID, func(job *crawler.Job) error {
		if name != "" && name != job.Name {
			job.Name = name
		} else {
			cfg.NameDetected = job.Config.NameDetected
		}
		cfg.BaseSnippetCount = snippets
		job.StartURLs = append([]string(nil), urls...)
		job.MaxDepth = depth
		job.Config = cfg
		job.Status = crawler.JobStatusRunning
		job.Phase = crawler.PhaseCrawling
		job.TotalPages = 0
		job.ProcessedPages = 0
		job.DocumentsCrawled = 0
		job.SnippetsExtracted = snippets
		job.StartedAt = &now
		job.CompletedAt = nil
		job.LastHeartbeat = &now
		job.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reset job %s: %w", existing.ID, err)
	}
	s.logger.Info("reusing crawl job for domain",
		zap.String("job_id", existing.ID),
		zap.String("domain", existing.Domain),
		zap.Int("existing_snippets", snippets),
	)
	return existing.ID, nil
}

// UpdateStatus moves the job to status. phase is kept only while running and
// errMsg replaces the stored message when non-empty.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status crawler.JobStatus, phase crawler.CrawlPhase, errMsg string) error {
	now := s.clock.Now()
	return s.update(ctx, jobID, "update status", func(job *crawler.Job) error {
		if err := crawler.ValidateTransition(job.Status, status); err != nil {
			return err
		}
		job.Status = status
		if status == crawler.JobStatusRunning {
			job.Phase = phase
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
			job.LastHeartbeat = &now
		} else {
			job.Phase = crawler.PhaseNone
		}
		if status.IsTerminal() {
			job.CompletedAt = &now
		}
		if errMsg != "" {
			job.ErrorMessage = errMsg
		}
		return nil
	})
}

// UpdatePhase changes the sub-state of a running job.
func (s *Store) UpdatePhase(ctx context.Context, jobID string, phase crawler.CrawlPhase) error {
	return s.update(ctx, jobID, "update phase", func(job *crawler.Job) error {
		if job.Status != crawler.JobStatusRunning {
			return errSkip
		}
		job.Phase = phase
		return nil
	})
}

// UpdateProgress persists counters and refreshes the heartbeat.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	now := s.clock.Now()
	return s.update(ctx, jobID, "update progress", func(job *crawler.Job) error {
		job.ProcessedPages = max(job.ProcessedPages, update.ProcessedPages)
		job.TotalPages = max(job.TotalPages, update.TotalPages)
		job.DocumentsCrawled = max(job.DocumentsCrawled, update.DocumentsCrawled)
		job.SnippetsExtracted = max(job.SnippetsExtracted, update.SnippetsExtracted)
		if job.Status == crawler.JobStatusRunning {
			job.LastHeartbeat = &now
		}
		return nil
	})
}

// Finalize overwrites the document and snippet counters with values
// recomputed from persisted rows.
func (s *Store) Finalize(ctx context.Context, jobID string) (crawler.Job, error) {
	docs, err := s.repo.CountDocumentsForJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("count documents for job %s: %w", jobID, err)
	}
	snippets, err := s.repo.CountSnippetsForJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("count snippets for job %s: %w", jobID, err)
	}
	job, err := s.repo.UpdateJob(ctx, jobID, func(job *crawler.Job) error {
		job.DocumentsCrawled = docs
		job.SnippetsExtracted = snippets
		return nil
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	return job, nil
}

// GetStatus returns the job snapshot. The bool is false when the job is gone.
func (s *Store) GetStatus(ctx context.Context, jobID string) (crawler.Job, bool, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.Job{}, false, nil
	}
	if err != nil {
		return crawler.Job{}, false, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, true, nil
}

// Cancel marks the job cancelled. It reports true when the job is cancelled
// afterwards, including when it already was. Completed and failed jobs are
// left untouched.
func (s *Store) Cancel(ctx context.Context, jobID string) (bool, error) {
	now := s.clock.Now()
	cancelled := false
	_, err := s.repo.UpdateJob(ctx, jobID, func(job *crawler.Job) error {
		switch job.Status {
		case crawler.JobStatusCancelled:
			cancelled = true
			return errSkip
		case crawler.JobStatusCompleted, crawler.JobStatusFailed:
			return errSkip
		}
		job.Status = crawler.JobStatusCancelled
		job.Phase = crawler.PhaseNone
		job.CompletedAt = &now
		job.ErrorMessage = crawler.CancelledByUser
		cancelled = true
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errSkip):
		return cancelled, nil
	case errors.Is(err, crawler.ErrNotFound):
		s.logger.Warn("cancel requested for missing job", zap.String("job_id", jobID))
		return false, nil
	default:
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
}

// IsActive reports whether the job is running.
func (s *Store) IsActive(ctx context.Context, jobID string) (bool, error) {
	job, ok, err := s.GetStatus(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	return job.Status == crawler.JobStatusRunning, nil
}

// IsCancelled reports whether the job was cancelled. A missing job counts as
// not cancelled.
func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, ok, err := s.GetStatus(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	return job.Status == crawler.JobStatusCancelled, nil
}

// Heartbeat stamps last_heartbeat on a running job.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	now := s.clock.Now()
	return s.update(ctx, jobID, "heartbeat", func(job *crawler.Job) error {
		if job.Status != crawler.JobStatusRunning {
			return errSkip
		}
		job.LastHeartbeat = &now
		return nil
	})
}

// Restart prepares a job for a full re-run: the error is cleared, the retry
// counter bumped, counters reset and the job marked running again.
func (s *Store) Restart(ctx context.Context, jobID string) (crawler.Job, error) {
	snippets, err := s.repo.CountSnippetsForJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("count snippets for job %s: %w", jobID, err)
	}
	now := s.clock.Now()
	job, err := s.repo.UpdateJob(ctx, jobID, func(job *crawler.Job) error {
		job.ErrorMessage = ""
		job.RetryCount++
		job.Config.BaseSnippetCount = snippets
		job.TotalPages = 0
		job.ProcessedPages = 0
		job.DocumentsCrawled = 0
		job.SnippetsExtracted = snippets
		job.Status = crawler.JobStatusRunning
		job.Phase = crawler.PhaseCrawling
		job.StartedAt = &now
		job.CompletedAt = nil
		job.LastHeartbeat = &now
		return nil
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("restart job %s: %w", jobID, err)
	}
	return job, nil
}

// MarkRetrying flags the job as running again while a retry job re-fetches
// its failed pages.
func (s *Store) MarkRetrying(ctx context.Context, jobID, message string) error {
	now := s.clock.Now()
	return s.update(ctx, jobID, "mark retrying", func(job *crawler.Job) error {
		job.Status = crawler.JobStatusRunning
		job.Phase = crawler.PhaseCrawling
		job.CompletedAt = nil
		job.LastHeartbeat = &now
		job.ErrorMessage = message
		return nil
	})
}

// Delete removes the job and everything it owns.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := s.repo.DeleteJob(ctx, jobID); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			s.logger.Warn("delete requested for missing job", zap.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

var errSkip = errors.New("skip update")

func (s *Store) update(ctx context.Context, jobID, op string, fn func(*crawler.Job) error) error {
	_, err := s.repo.UpdateJob(ctx, jobID, fn)
	switch {
	case err == nil, errors.Is(err, errSkip):
		return nil
	case errors.Is(err, crawler.ErrNotFound):
		s.logger.Warn("job not found", zap.String("job_id", jobID), zap.String("op", op))
		return nil
	default:
		return fmt.Errorf("%s for job %s: %w", op, jobID, err)
	}
}

// Package orchestrator owns the job state machine and guarantees at most one
// live execution per job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/failures"
	"github.com/JakeFAU/codedox/internal/health"
	"github.com/JakeFAU/codedox/internal/jobs"
	"github.com/JakeFAU/codedox/internal/pipeline"
	"github.com/JakeFAU/codedox/internal/progress"
)

// DefaultCancelTimeout bounds how long a cancelled task is awaited.
const DefaultCancelTimeout = 5 * time.Second

// ErrShutdown is returned by StartCrawl after Shutdown.
var ErrShutdown = errors.New("orchestrator is shut down")

// CrawlConfig is a request to crawl a documentation site.
type CrawlConfig struct {
	Name                string
	StartURLs           []string
	MaxDepth            int
	MaxPages            int
	DomainRestrictions  []string
	IncludePatterns     []string
	ExcludePatterns     []string
	MaxConcurrentCrawls int
	Metadata            crawler.JobMetadata
}

// Runner executes the crawl pipeline for one job.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Stats, error)
}

// Options wires a Manager.
type Options struct {
	Jobs          *jobs.Store
	Tracker       *progress.Tracker
	Pipeline      Runner
	Ledger        *failures.Ledger
	Health        *health.Monitor
	CancelTimeout time.Duration
	// FreshHeartbeat is how recent a heartbeat must be for ResumeJob to treat
	// a running job as alive.
	FreshHeartbeat time.Duration
	Clock          crawler.Clock
	Logger         *zap.Logger
}

// Task is the handle of one execution.
type Task struct {
	jobID      string
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	superseded atomic.Bool
}

// Done is closed once the execution has fully unwound.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the cancellation error of a cancelled execution and nil
// otherwise. It is valid after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Manager is the crawl orchestrator.
type Manager struct {
	jobs          *jobs.Store
	tracker       *progress.Tracker
	pipeline      Runner
	ledger        *failures.Ledger
	health        *health.Monitor
	cancelTimeout time.Duration
	fresh         time.Duration
	clock         crawler.Clock
	logger        *zap.Logger

	baseCtx    context.Context
	stopAll    context.CancelFunc
	mu         sync.Mutex
	tasks      map[string]*Task
	shutdown   bool
	executions sync.WaitGroup
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultCancelTimeout
	}
	if opts.FreshHeartbeat <= 0 {
		opts.FreshHeartbeat = health.DefaultStallThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		jobs:          opts.Jobs,
		tracker:       opts.Tracker,
		pipeline:      opts.Pipeline,
		ledger:        opts.Ledger,
		health:        opts.Health,
		cancelTimeout: opts.CancelTimeout,
		fresh:         opts.FreshHeartbeat,
		clock:         opts.Clock,
		logger:        opts.Logger,
		baseCtx:       ctx,
		stopAll:       cancel,
		tasks:         make(map[string]*Task),
	}
}

// StartCrawl resolves or creates the job for cfg's domain, stops any
// execution already running for it and launches a new one. It returns as
// soon as the execution is registered.
func (m *Manager) StartCrawl(ctx context.Context, cfg CrawlConfig) (string, error) {
	if len(cfg.StartURLs) == 0 {
		return "", errors.New("at least one start url is required")
	}
	if m.isShutdown() {
		return "", ErrShutdown
	}

	// Stop the previous execution before the job row is reset so its
	// cancellation path cannot overwrite the new run's status.
	if existing, ok, err := m.jobs.JobIDForDomain(ctx, cfg.StartURLs, cfg.Metadata.RetryOfJob); err != nil {
		return "", err
	} else if ok {
		m.stop(existing)
	}

	jobID, err := m.jobs.GetOrCreateJobForDomain(ctx, cfg.Name, cfg.StartURLs, cfg.MaxDepth, cfg.DomainRestrictions, crawler.JobConfig{
		MaxPages:            cfg.MaxPages,
		MaxConcurrentCrawls: cfg.MaxConcurrentCrawls,
		IncludePatterns:     cfg.IncludePatterns,
		ExcludePatterns:     cfg.ExcludePatterns,
		Metadata:            cfg.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("prepare job: %w", err)
	}
	if err := m.launch(jobID); err != nil {
		return "", err
	}
	m.logger.Info("crawl started",
		zap.String("job_id", jobID),
		zap.Strings("start_urls", cfg.StartURLs),
		zap.Int("max_depth", cfg.MaxDepth),
	)
	return jobID, nil
}

// StartRetry implements failures.Starter.
func (m *Manager) StartRetry(ctx context.Context, req failures.RetryRequest) (string, error) {
	return m.StartCrawl(ctx, CrawlConfig{
		Name:                req.Name,
		StartURLs:           req.StartURLs,
		MaxDepth:            req.MaxDepth,
		MaxPages:            req.Config.MaxPages,
		DomainRestrictions:  req.Config.DomainRestrictions,
		MaxConcurrentCrawls: req.Config.MaxConcurrentCrawls,
		Metadata:            req.Config.Metadata,
	})
}

// launch registers a new task for jobID, replacing and awaiting any task
// already registered, and starts it.
func (m *Manager) launch(jobID string) error {
	for {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return ErrShutdown
		}
		prev := m.tasks[jobID]
		if prev == nil {
			ctx, cancel := context.WithCancel(m.baseCtx)
			t := &Task{jobID: jobID, cancel: cancel, done: make(chan struct{})}
			m.tasks[jobID] = t
			m.executions.Add(1)
			m.mu.Unlock()
			go m.execute(ctx, t)
			return nil
		}
		m.mu.Unlock()
		prev.superseded.Store(true)
		m.await(prev)
	}
}

// stop cancels the task tracked for jobID, if any, marking it superseded.
func (m *Manager) stop(jobID string) {
	if t, ok := m.Task(jobID); ok {
		t.superseded.Store(true)
		m.await(t)
	}
}

// await cancels t and waits up to the cancel timeout for it to unwind.
func (m *Manager) await(t *Task) {
	t.cancel()
	timer := time.NewTimer(m.cancelTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		m.logger.Warn("timed out waiting for cancelled task", zap.String("job_id", t.jobID))
		// Drop the registration so a new task can take over.
		m.mu.Lock()
		if m.tasks[t.jobID] == t {
			delete(m.tasks, t.jobID)
		}
		m.mu.Unlock()
	}
}

// Task returns the execution currently registered for jobID.
func (m *Manager) Task(jobID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobID]
	return t, ok
}

// Wait blocks until the execution registered for jobID finishes or ctx ends.
// It returns immediately when no execution is registered.
func (m *Manager) Wait(ctx context.Context, jobID string) error {
	t, ok := m.Task(jobID)
	if !ok {
		return nil
	}
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
	}
}

// ActiveJobs lists job IDs with a registered execution.
func (m *Manager) ActiveJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// CancelJob marks the job cancelled in the store first, so the cancellation
// is visible even without an in-memory task, then cancels and awaits the task.
// It reports whether the job ends up cancelled.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := m.jobs.Cancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if t, ok := m.Task(jobID); ok {
		m.await(t)
	}
	if cancelled {
		m.logger.Info("job cancelled", zap.String("job_id", jobID))
	}
	return cancelled, nil
}

// ResumeJob restarts a job that is not running. When the job has failed
// pages only those are retried through a new job; otherwise the whole crawl
// is relaunched from the persisted configuration.
func (m *Manager) ResumeJob(ctx context.Context, jobID string) (bool, error) {
	job, ok, err := m.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Warn("resume requested for missing job", zap.String("job_id", jobID))
		return false, nil
	}
	if _, tracked := m.Task(jobID); tracked {
		return false, nil
	}
	if job.Status == crawler.JobStatusRunning && m.clock.Now().Sub(job.LastSeen()) < m.fresh {
		m.logger.Info("resume refused, job is active", zap.String("job_id", jobID))
		return false, nil
	}

	failed, err := m.ledger.Count(ctx, jobID)
	if err != nil {
		return false, err
	}
	if failed > 0 {
		retryID, err := m.ledger.CreateRetryJob(ctx, jobID, m)
		if err != nil {
			return false, err
		}
		msg := fmt.Sprintf("Retrying %d failed pages in job %s", failed, retryID)
		if err := m.jobs.MarkRetrying(ctx, jobID, msg); err != nil {
			return false, err
		}
		return true, nil
	}

	if m.isShutdown() {
		return false, ErrShutdown
	}
	if _, err := m.jobs.Restart(ctx, jobID); err != nil {
		return false, err
	}
	if err := m.launch(jobID); err != nil {
		return false, err
	}
	m.logger.Info("job restarted", zap.String("job_id", jobID), zap.Int("retry_count", job.RetryCount+1))
	return true, nil
}

// GetJobStatus returns the job snapshot or nil when it does not exist.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (*crawler.Job, error) {
	job, ok, err := m.jobs.GetStatus(ctx, jobID)
	if err != nil || !ok {
		return nil, err
	}
	return &job, nil
}

// RetryFailedPages starts a job scoped to the job's failed pages. It returns
// "" when nothing failed.
func (m *Manager) RetryFailedPages(ctx context.Context, jobID string) (string, error) {
	return m.ledger.CreateRetryJob(ctx, jobID, m)
}

// CheckJobHealth reports the heartbeat health of one job.
func (m *Manager) CheckJobHealth(ctx context.Context, jobID string) (health.Snapshot, error) {
	return m.health.CheckJobHealth(ctx, jobID)
}

// Shutdown stops accepting crawls, cancels every execution and waits for them
// or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.stopAll()

	done := make(chan struct{})
	go func() {
		m.executions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for executions: %w", ctx.Err())
	}
}

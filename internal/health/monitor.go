// Package health detects running jobs whose heartbeat went silent and closes
// them out so the rest of the system stops waiting on them.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/metrics"
)

// Default thresholds.
const (
	DefaultInterval         = 10 * time.Second
	DefaultStallThreshold   = 60 * time.Second
	DefaultWarningThreshold = 30 * time.Second
)

// Status classifies a job's heartbeat age.
type Status string

// Health statuses reported by CheckJobHealth.
const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusStalled  Status = "stalled"
	StatusNotFound Status = "not_found"
)

// Config tunes the monitor loop.
type Config struct {
	Interval         time.Duration
	StallThreshold   time.Duration
	WarningThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > c.StallThreshold {
		c.WarningThreshold = min(DefaultWarningThreshold, c.StallThreshold)
	}
	return c
}

// Snapshot is the health report for one job.
type Snapshot struct {
	JobID                 string             `json:"job_id"`
	Status                crawler.JobStatus  `json:"status,omitempty"`
	Phase                 crawler.CrawlPhase `json:"crawl_phase,omitempty"`
	LastHeartbeat         *time.Time         `json:"last_heartbeat,omitempty"`
	SecondsSinceHeartbeat float64            `json:"seconds_since_heartbeat"`
	Health                Status             `json:"health_status"`
}

// Monitor sweeps running jobs on a fixed interval and marks the ones without
// a recent heartbeat as completed. Stalled jobs are completed rather than
// failed so whatever they persisted stays usable.
type Monitor struct {
	repo   crawler.JobRepository
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor constructs a Monitor. Zero config values fall back to defaults.
func NewMonitor(repo crawler.JobRepository, clock crawler.Clock, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{repo: repo, clock: clock, cfg: cfg.withDefaults(), logger: logger}
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("stall_threshold", m.cfg.StallThreshold),
	)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("health sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep marks every stalled running job as completed and returns how many
// were closed. Failures on individual jobs are logged and skipped.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.StallThreshold)
	stalled, err := m.repo.ListStalledJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}
	closed := 0
	for _, candidate := range stalled {
		_, err := m.repo.UpdateJob(ctx, candidate.ID, func(job *crawler.Job) error {
			// Re-check under the row lock; a heartbeat may have landed since the listing.
			if job.Status != crawler.JobStatusRunning || !job.LastSeen().Before(cutoff) {
				return errAlive
			}
			job.ErrorMessage = stallMessage(*job, now)
			job.Status = crawler.JobStatusCompleted
			job.Phase = crawler.PhaseNone
			job.CompletedAt = &now
			return nil
		})
		switch {
		case err == nil:
			closed++
			metrics.ObserveStalledJob()
			m.logger.Warn("marked stalled job completed",
				zap.String("job_id", candidate.ID),
				zap.String("phase", string(candidate.Phase)),
				zap.Time("last_seen", candidate.LastSeen()),
			)
		case errors.Is(err, errAlive), errors.Is(err, crawler.ErrNotFound):
		default:
			m.logger.Error("mark stalled job", zap.String("job_id", candidate.ID), zap.Error(err))
		}
	}
	return closed, nil
}

var errAlive = errors.New("job is alive")

func stallMessage(job crawler.Job, now time.Time) string {
	phase := string(job.Phase)
	if phase == "" {
		phase = "unknown"
	}
	return fmt.Sprintf("Job stalled: no heartbeat for %ds (last phase: %s)",
		int(now.Sub(job.LastSeen()).Seconds()), phase)
}

// GetStalledJobIDs lists running jobs past the stall threshold without
// changing them.
func (m *Monitor) GetStalledJobIDs(ctx context.Context) ([]string, error) {
	stalled, err := m.repo.ListStalledJobs(ctx, m.clock.Now().Add(-m.cfg.StallThreshold))
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	ids := make([]string, 0, len(stalled))
	for _, job := range stalled {
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// CheckJobHealth reports the heartbeat age of one job. A missing job yields a
// snapshot with StatusNotFound. Only running jobs can be warning or stalled.
func (m *Monitor) CheckJobHealth(ctx context.Context, jobID string) (Snapshot, error) {
	job, err := m.repo.GetJob(ctx, jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		return Snapshot{JobID: jobID, Health: StatusNotFound}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	age := m.clock.Now().Sub(job.LastSeen())
	if age < 0 {
		age = 0
	}
	snap := Snapshot{
		JobID:                 job.ID,
		Status:                job.Status,
		Phase:                 job.Phase,
		LastHeartbeat:         job.LastHeartbeat,
		SecondsSinceHeartbeat: age.Seconds(),
		Health:                StatusHealthy,
	}
	if job.Status == crawler.JobStatusRunning {
		switch {
		case age > m.cfg.StallThreshold:
			snap.Health = StatusStalled
		case age > m.cfg.WarningThreshold:
			snap.Health = StatusWarning
		}
	}
	return snap, nil
}

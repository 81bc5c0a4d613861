package progress

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/jobs"
)

// DefaultHeartbeatInterval is how often a tracked job's heartbeat is written.
const DefaultHeartbeatInterval = 5 * time.Second

// JobStore is the subset of the job lifecycle service the Tracker uses.
type JobStore interface {
	Heartbeat(ctx context.Context, jobID string) error
	IsActive(ctx context.Context, jobID string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, update jobs.ProgressUpdate) error
	GetStatus(ctx context.Context, jobID string) (crawler.Job, bool, error)
}

// Update is a progress report plus optional notification extras.
type Update struct {
	jobs.ProgressUpdate
	Message string
	Extra   map[string]any
}

// Tracker runs one heartbeat goroutine per job and emits progress notifications.
type Tracker struct {
	store    JobStore
	notifier crawler.Notifier
	clock    crawler.Clock
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	tasks map[string]*heartbeat
}

type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker wires a Tracker. A zero interval uses DefaultHeartbeatInterval.
func NewTracker(store JobStore, notifier crawler.Notifier, clock crawler.Clock, interval time.Duration, logger *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:    store,
		notifier: notifier,
		clock:    clock,
		interval: interval,
		logger:   logger,
		tasks:    make(map[string]*heartbeat),
	}
}

// StartTracking replaces any heartbeat loop already running for jobID and
// emits the initial notification. The loop stops when ctx is cancelled, when
// StopTracking is called, or once the job is no longer running.
func (t *Tracker) StartTracking(ctx context.Context, jobID string) {
	t.StopTracking(jobID)

	loopCtx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.tasks[jobID] = hb
	t.mu.Unlock()

	go t.run(loopCtx, jobID, hb)
	t.Notify(ctx, jobID, crawler.JobStatusRunning, "Crawl started", nil)
}

// StopTracking cancels the job's heartbeat loop and waits for it to exit.
func (t *Tracker) StopTracking(jobID string) {
	t.mu.Lock()
	hb, ok := t.tasks[jobID]
	if ok {
		delete(t.tasks, jobID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	hb.cancel()
	<-hb.done
}

// Tracking reports whether a heartbeat loop is registered for jobID.
func (t *Tracker) Tracking(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[jobID]
	return ok
}

func (t *Tracker) run(ctx context.Context, jobID string, hb *heartbeat) {
	defer close(hb.done)
	defer t.forget(jobID, hb)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		active, err := t.store.IsActive(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("heartbeat status check failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if !active {
			return
		}
		if err := t.store.Heartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
			t.logger.Warn("heartbeat write failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// forget drops the registry entry when the loop exits on its own, unless a
// newer loop has replaced it.
func (t *Tracker) forget(jobID string, hb *heartbeat) {
	t.mu.Lock()
	if t.tasks[jobID] == hb {
		delete(t.tasks, jobID)
	}
	t.mu.Unlock()
}

// UpdateProgress persists the counters and, when notify is set, emits a
// notification built from a fresh read of the job so observers never see
// counters older than the store.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID string, update Update, notify bool) error {
	if err := t.store.UpdateProgress(ctx, jobID, update.ProgressUpdate); err != nil {
		return err
	}
	if notify {
		t.Notify(ctx, jobID, crawler.JobStatusRunning, update.Message, update.Extra)
	}
	return nil
}

// Notify emits a notification for jobID carrying the current persisted
// counters. Failures are logged and never returned.
func (t *Tracker) Notify(ctx context.Context, jobID string, status crawler.JobStatus, message string, extra map[string]any) {
	if t.notifier == nil {
		return
	}
	n := crawler.Notification{
		JobID:   jobID,
		Status:  status,
		TS:      t.clock.Now(),
		Message: message,
		Extra:   extra,
	}
	job, ok, err := t.store.GetStatus(ctx, jobID)
	switch {
	case err != nil:
		t.logger.Warn("read job for notification failed", zap.String("job_id", jobID), zap.Error(err))
	case ok:
		n.Phase = job.Phase
		n.Error = job.ErrorMessage
		n.ProcessedPages = job.ProcessedPages
		n.TotalPages = job.TotalPages
		n.DocumentsCrawled = job.DocumentsCrawled
		n.SnippetsExtracted = job.SnippetsExtracted
		n.PercentComplete = Percent(job.ProcessedPages, job.TotalPages)
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("notifier panicked", zap.String("job_id", jobID), zap.Any("panic", r))
		}
	}()
	t.notifier.Emit(n)
}

// Percent returns processed/total as a rounded percentage clamped to 100.
// It is 0 when total is 0.
func Percent(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	pct := int(math.Round(float64(processed) / float64(total) * 100))
	return min(pct, 100)
}

// ShouldSendUpdate throttles notifications by page-count delta. It is true on
// the first completed page and then every interval pages.
func ShouldSendUpdate(current, last, interval int) bool {
	if interval <= 0 {
		interval = 1
	}
	if last <= 0 {
		return current > 0
	}
	return current-last >= interval
}

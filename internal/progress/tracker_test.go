package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codedox/internal/clock/system"
	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/jobs"
)

type fakeJobStore struct {
	mu         sync.Mutex
	job        crawler.Job
	heartbeats atomic.Int64
	statusErr  error
}

func (f *fakeJobStore) Heartbeat(context.Context, string) error {
	f.heartbeats.Add(1)
	return nil
}

func (f *fakeJobStore) IsActive(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job.Status == crawler.JobStatusRunning, nil
}

func (f *fakeJobStore) UpdateProgress(_ context.Context, _ string, u jobs.ProgressUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.ProcessedPages = u.ProcessedPages
	f.job.TotalPages = u.TotalPages
	f.job.SnippetsExtracted = u.SnippetsExtracted
	return nil
}

func (f *fakeJobStore) GetStatus(context.Context, string) (crawler.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return crawler.Job{}, false, f.statusErr
	}
	return f.job, true, nil
}

func (f *fakeJobStore) setStatus(s crawler.JobStatus) {
	f.mu.Lock()
	f.job.Status = s
	f.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []crawler.Notification
}

func (r *recordingNotifier) Emit(n crawler.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) All() []crawler.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.Notification(nil), r.sent...)
}

type panickyNotifier struct{}

func (panickyNotifier) Emit(crawler.Notification) { panic("sink exploded") }

func TestTrackerHeartbeatsWhileActive(t *testing.T) {
	t.Parallel()

	store := &fakeJobStore{job: crawler.Job{ID: "job-1", Status: crawler.JobStatusRunning}}
	notifier := &recordingNotifier{}
	tr := NewTracker(store, notifier, system.New(), 5*time.Millisecond, nil)

	tr.StartTracking(context.Background(), "job-1")
	require.Eventually(t, func() bool { return store.heartbeats.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.True(t, tr.Tracking("job-1"))

	store.setStatus(crawler.JobStatusCompleted)
	require.Eventually(t, func() bool { return !tr.Tracking("job-1") }, time.Second, 5*time.Millisecond)

	sent := notifier.All()
	require.NotEmpty(t, sent)
	require.Equal(t, "Crawl started", sent[0].Message)
}

func TestTrackerStartReplacesAndStopWaits(t *testing.T) {
	t.Parallel()

	store := &fakeJobStore{job: crawler.Job{ID: "job-1", Status: crawler.JobStatusRunning}}
	tr := NewTracker(store, nil, system.New(), time.Hour, nil)

	tr.StartTracking(context.Background(), "job-1")
	tr.mu.Lock()
	first := tr.tasks["job-1"]
	tr.mu.Unlock()

	tr.StartTracking(context.Background(), "job-1")
	select {
	case <-first.done:
	default:
		t.Fatal("previous heartbeat loop still running after restart")
	}

	tr.mu.Lock()
	second := tr.tasks["job-1"]
	tr.mu.Unlock()
	tr.StopTracking("job-1")
	select {
	case <-second.done:
	default:
		t.Fatal("heartbeat loop still running after StopTracking")
	}
	require.False(t, tr.Tracking("job-1"))
	tr.StopTracking("job-1")
}

func TestTrackerUpdateProgressNotifiesWithFreshCounters(t *testing.T) {
	t.Parallel()

	store := &fakeJobStore{job: crawler.Job{ID: "job-1", Status: crawler.JobStatusRunning}}
	notifier := &recordingNotifier{}
	tr := NewTracker(store, notifier, system.New(), time.Hour, nil)

	err := tr.UpdateProgress(context.Background(), "job-1", Update{
		ProgressUpdate: jobs.ProgressUpdate{ProcessedPages: 3, TotalPages: 4, SnippetsExtracted: 9},
		Extra:          map[string]any{"skipped_llm_extraction": 1},
	}, true)
	require.NoError(t, err)
	require.NoError(t, tr.UpdateProgress(context.Background(), "job-1", Update{
		ProgressUpdate: jobs.ProgressUpdate{ProcessedPages: 4, TotalPages: 4},
	}, false))

	sent := notifier.All()
	require.Len(t, sent, 1)
	require.Equal(t, 3, sent[0].ProcessedPages)
	require.Equal(t, 75, sent[0].PercentComplete)
	require.Equal(t, 9, sent[0].SnippetsExtracted)
	require.Equal(t, 1, sent[0].Extra["skipped_llm_extraction"])
}

func TestTrackerNotifySwallowsFailures(t *testing.T) {
	t.Parallel()

	store := &fakeJobStore{statusErr: errors.New("db down")}
	tr := NewTracker(store, panickyNotifier{}, system.New(), time.Hour, nil)
	require.NotPanics(t, func() {
		tr.Notify(context.Background(), "job-1", crawler.JobStatusFailed, "boom", nil)
	})
}

func TestPercent(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Percent(5, 0))
	require.Equal(t, 0, Percent(0, 10))
	require.Equal(t, 33, Percent(1, 3))
	require.Equal(t, 67, Percent(2, 3))
	require.Equal(t, 100, Percent(10, 10))
	require.Equal(t, 100, Percent(12, 10))
}

func TestShouldSendUpdate(t *testing.T) {
	t.Parallel()

	require.True(t, ShouldSendUpdate(1, 0, 3))
	require.False(t, ShouldSendUpdate(0, 0, 3))
	require.False(t, ShouldSendUpdate(3, 1, 3))
	require.True(t, ShouldSendUpdate(4, 1, 3))
	require.True(t, ShouldSendUpdate(2, 1, 0))
}

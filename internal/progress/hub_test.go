package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codedox/internal/crawler"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleNotification("job-1"))
	hub.Emit(sampleNotification("job-1"))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleNotification("job-1"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocksOnSlowSink(t *testing.T) {
	t.Parallel()

	sink := newBlockingSink()
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)
	defer func() {
		sink.Release()
		require.NoError(t, hub.Close(context.Background()))
	}()

	start := time.Now()
	for i := range 50 {
		hub.Emit(progressNotification(fmt.Sprintf("job-%d", i), crawler.JobStatusRunning, i))
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Positive(t, hub.Stats().Dropped)
}

func TestHubDeliversLatestNotificationPerJob(t *testing.T) {
	t.Parallel()

	sink := newBlockingSink()
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(progressNotification("job-1", crawler.JobStatusRunning, 0))
	require.Eventually(t, func() bool { return sink.Waiting() }, time.Second, 5*time.Millisecond)
	for i := 1; i < 6; i++ {
		hub.Emit(progressNotification("job-1", crawler.JobStatusRunning, i))
	}
	hub.Emit(progressNotification("job-1", crawler.JobStatusCompleted, 6))
	sink.Release()
	require.NoError(t, hub.Close(context.Background()))

	got := sink.All()
	require.Len(t, got, 2)
	require.Equal(t, crawler.JobStatusRunning, got[0].Status)
	require.Equal(t, 0, got[0].ProcessedPages)
	require.Equal(t, crawler.JobStatusCompleted, got[1].Status)
	require.Equal(t, 6, got[1].ProcessedPages)

	stats := hub.Stats()
	require.Equal(t, int64(7), stats.Accepted)
	require.Equal(t, int64(5), stats.Superseded)
	require.Zero(t, stats.Dropped)
}

func TestHubKeepsTerminalNotificationsWhenFull(t *testing.T) {
	t.Parallel()

	sink := newBlockingSink()
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 10, MaxBatchWait: time.Minute}, sink)

	hub.Emit(progressNotification("job-1", crawler.JobStatusRunning, 1))
	hub.Emit(progressNotification("job-2", crawler.JobStatusRunning, 1))
	// Full: a running update for a new job is rejected.
	hub.Emit(progressNotification("job-3", crawler.JobStatusRunning, 1))
	// A terminal one evicts the oldest running entry instead.
	hub.Emit(progressNotification("job-4", crawler.JobStatusFailed, 1))
	sink.Release()
	require.NoError(t, hub.Close(context.Background()))

	var jobs []string
	for _, n := range sink.All() {
		jobs = append(jobs, n.JobID+":"+string(n.Status))
	}
	require.Equal(t, []string{"job-2:running", "job-4:failed"}, jobs)
	require.Equal(t, int64(2), hub.Stats().Dropped)
}

func TestHubLateRunningUpdateKeepsQueuedTerminal(t *testing.T) {
	t.Parallel()

	sink := newBlockingSink()
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(progressNotification("job-1", crawler.JobStatusRunning, 0))
	require.Eventually(t, func() bool { return sink.Waiting() }, time.Second, 5*time.Millisecond)
	hub.Emit(progressNotification("job-1", crawler.JobStatusCompleted, 3))
	hub.Emit(progressNotification("job-1", crawler.JobStatusRunning, 2))
	sink.Release()
	require.NoError(t, hub.Close(context.Background()))

	got := sink.All()
	require.Len(t, got, 2)
	require.Equal(t, crawler.JobStatusCompleted, got[1].Status)
	require.Equal(t, 3, got[1].ProcessedPages)
}

func TestHubDiscardsInvalidNotifications(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	hub.Emit(crawler.Notification{Status: crawler.JobStatusRunning})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleNotification("job-1"))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	// Emit after close is ignored.
	hub.Emit(sampleNotification("job-1"))
	require.NoError(t, hub.Close(context.Background()))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]crawler.Notification
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []crawler.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]crawler.Notification(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]crawler.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]crawler.Notification, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]crawler.Notification(nil), b...)
	}
	return out
}

func (s *stubSink) All() []crawler.Notification {
	var out []crawler.Notification
	for _, b := range s.Batches() {
		out = append(out, b...)
	}
	return out
}

func sampleNotification(jobID string) crawler.Notification {
	return crawler.Notification{
		JobID:  jobID,
		Status: crawler.JobStatusRunning,
		TS:     time.Now(),
	}
}

func progressNotification(jobID string, status crawler.JobStatus, processed int) crawler.Notification {
	return crawler.Notification{
		JobID:          jobID,
		Status:         status,
		TS:             time.Now(),
		ProcessedPages: processed,
	}
}

// blockingSink holds every Consume call until Release.
type blockingSink struct {
	stubSink
	release chan struct{}
	once    sync.Once
	entered chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}), entered: make(chan struct{}, 1)}
}

func (s *blockingSink) Consume(ctx context.Context, batch []crawler.Notification) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.stubSink.Consume(ctx, batch)
}

// Waiting reports whether a Consume call has started.
func (s *blockingSink) Waiting() bool {
	return len(s.entered) > 0
}

func (s *blockingSink) Release() {
	s.once.Do(func() { close(s.release) })
}

package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/logging"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: how many jobs may have a notification waiting (default 1024).
//   - MaxBatchEvents: flush once this many jobs have a notification waiting (default 100).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// HubStats counts what happened to emitted notifications.
type HubStats struct {
	// Accepted notifications were queued for delivery.
	Accepted int64
	// Superseded notifications were replaced by a newer one for the same job
	// before they were flushed.
	Superseded int64
	// Dropped notifications were rejected or evicted because the buffer was full.
	Dropped int64
}

// Hub fans job notifications out to sinks in batches. It implements
// crawler.Notifier and never blocks callers.
//
// At most one notification per job waits for delivery: a newer one replaces
// the queued one in place, so a sink never receives counters older than a
// notification already emitted for the same job. When the buffer is full a
// running notification for a new job is dropped, while a terminal one evicts
// the oldest waiting non-terminal notification and is always kept.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]int
	queue   []crawler.Notification
	closed  bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	dropLimiter rateLimiter
	accepted    atomic.Int64
	superseded  atomic.Int64
	dropped     atomic.Int64
	unlogged    atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the background batching goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		logger:      logging.OrNop(cfg.Logger),
		pending:     make(map[string]int),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues n for delivery without blocking.
func (h *Hub) Emit(n crawler.Notification) {
	if h == nil {
		return
	}
	if err := n.Validate(); err != nil {
		h.logger.Debug("discarding invalid notification", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if i, ok := h.pending[n.JobID]; ok {
		if h.queue[i].Status.IsTerminal() && !n.Status.IsTerminal() {
			// A late running update never hides the job's outcome.
			h.mu.Unlock()
			h.superseded.Add(1)
			return
		}
		h.queue[i] = n
		h.mu.Unlock()
		h.superseded.Add(1)
		h.accepted.Add(1)
		h.signal()
		return
	}
	if len(h.queue) >= h.cfg.BufferSize {
		if !n.Status.IsTerminal() {
			h.mu.Unlock()
			h.drop(n.JobID)
			return
		}
		// Terminal notifications are kept even when nothing can be evicted.
		h.evictOldestRunningLocked()
	}
	h.pending[n.JobID] = len(h.queue)
	h.queue = append(h.queue, n)
	h.mu.Unlock()
	h.accepted.Add(1)
	h.signal()
}

// evictOldestRunningLocked removes the oldest queued non-terminal
// notification, if there is one.
func (h *Hub) evictOldestRunningLocked() {
	for i, queued := range h.queue {
		if queued.Status.IsTerminal() {
			continue
		}
		h.queue = append(h.queue[:i], h.queue[i+1:]...)
		h.reindexLocked()
		h.drop(queued.JobID)
		return
	}
}

func (h *Hub) reindexLocked() {
	clear(h.pending)
	for i, n := range h.queue {
		h.pending[n.JobID] = i
	}
}

func (h *Hub) drop(jobID string) {
	h.dropped.Add(1)
	h.unlogged.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		h.logger.Warn("notifications dropped due to backpressure",
			zap.String("job_id", jobID),
			zap.Int64("dropped", h.unlogged.Swap(0)),
		)
	}
}

func (h *Hub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Stats reports delivery counters so far.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Accepted:   h.accepted.Load(),
		Superseded: h.superseded.Load(),
		Dropped:    h.dropped.Load(),
	}
}

// Close flushes waiting notifications, closes the sinks and waits for the
// background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	var timerC <-chan time.Time
	for {
		select {
		case <-h.wake:
			if h.size() >= h.cfg.MaxBatchEvents {
				h.flush(h.take())
				if !timer.Stop() && timerC != nil {
					select {
					case <-timer.C:
					default:
					}
				}
				timerC = nil
			} else if timerC == nil {
				timer.Reset(h.cfg.MaxBatchWait)
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			h.flush(h.take())
		case <-h.stopCh:
			timer.Stop()
			h.flush(h.take())
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// take detaches everything waiting. Notifications emitted afterwards start a
// new batch.
func (h *Hub) take() []crawler.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := h.queue
	h.queue = nil
	clear(h.pending)
	return batch
}

func (h *Hub) flush(batch []crawler.Notification) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("notification sink consume failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("notification sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}

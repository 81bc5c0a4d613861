// Package pipeline drives one crawl: it streams pages from the fetcher into a
// bounded pool of extraction workers and funnels their results through a
// single collector that persists them and reports progress.
//
// Shutdown is a sentinel handshake. Once the fetch stream ends the driver
// queues one stop item per worker and waits for all of them, then queues one
// stop item for the collector and waits for it, so every extracted result is
// persisted before Run returns. On error the shared context is cancelled
// instead and Run still waits for every goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/progress"
	"github.com/JakeFAU/codedox/internal/queue/memory"
	"github.com/JakeFAU/codedox/internal/results"
)

// Defaults.
const (
	DefaultWorkers          = 5
	DefaultStatusCheckEvery = 5
	DefaultProgressEvery    = 3
)

// Config tunes the pipeline.
type Config struct {
	Workers          int
	StatusCheckEvery int
	ProgressEvery    int
	ArchivePrefix    string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.StatusCheckEvery <= 0 {
		c.StatusCheckEvery = DefaultStatusCheckEvery
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	return c
}

// DedupChecker short-circuits pages whose content did not change.
type DedupChecker interface {
	CheckContentHash(ctx context.Context, url, hash string) (bool, int, error)
}

// ResultWriter persists extracted pages.
type ResultWriter interface {
	ProcessBatch(ctx context.Context, items []results.PageResult, jobID string) []results.BatchOutcome
}

// FailureRecorder is the failed-page ledger.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, jobID, url, message string) error
}

// StatusChecker reports whether a job was cancelled.
type StatusChecker interface {
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// ProgressReporter persists counters and emits notifications.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, jobID string, update progress.Update, notify bool) error
}

// Deps are the collaborators of a Crawler. Archive is optional.
type Deps struct {
	Fetcher   crawler.PageFetcher
	Extractor crawler.CodeExtractor
	Dedup     DedupChecker
	Results   ResultWriter
	Failures  FailureRecorder
	Jobs      StatusChecker
	Progress  ProgressReporter
	Hasher    crawler.Hasher
	Archive   crawler.BlobStore
	Logger    *zap.Logger
}

// Request scopes one pipeline run.
type Request struct {
	JobID           string
	StartURLs       []string
	MaxDepth        int
	MaxPages        int
	AllowedDomains  []string
	IncludePatterns []string
	ExcludePatterns []string
	// Concurrency overrides Config.Workers when positive.
	Concurrency int
	// BaseSnippets is added to newly inserted snippets when reporting progress.
	BaseSnippets int
}

// Stats summarizes a run.
type Stats struct {
	Crawled        int
	Processed      int
	Failed         int
	Skipped        int
	Documents      int
	Snippets       int
	ReusedSnippets int
}

// Crawler is the page crawler with its extraction pipeline.
type Crawler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Crawler.
func New(deps Deps, cfg Config) *Crawler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{deps: deps, cfg: cfg.withDefaults(), logger: logger}
}

type workItem struct {
	page crawler.FetchedPage
	stop bool
}

type resultItem struct {
	url     string
	result  *results.PageResult
	failed  bool
	skipped bool
	reused  int
	stop    bool
}

// run is the state shared by the goroutines of one Run call.
type run struct {
	req     Request
	cancel  context.CancelCauseFunc
	crawled atomic.Int64
	stats   Stats
}

// Run crawls every start URL and returns once all fetched pages have been
// extracted and persisted. A cancelled job yields an error matching
// crawler.ErrJobCancelled; a fatal extraction failure yields one matching
// crawler.ErrExtractionFatal.
func (c *Crawler) Run(ctx context.Context, req Request) (Stats, error) {
	workers := c.cfg.Workers
	if req.Concurrency > 0 {
		workers = req.Concurrency
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r := &run{req: req, cancel: cancel}

	work := memory.NewQueue[workItem]()
	out := memory.NewQueue[resultItem]()
	sem := semaphore.NewWeighted(int64(workers))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, r, sem, work, out)
		}()
	}
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		c.collect(ctx, r, out)
	}()

	c.logger.Info("pipeline started",
		zap.String("job_id", req.JobID),
		zap.Int("workers", workers),
		zap.Int("start_urls", len(req.StartURLs)),
	)

	err := c.drive(ctx, r, work, out)
	if err == nil {
		for range workers {
			_ = work.Put(workItem{stop: true})
		}
		wg.Wait()
		_ = out.Put(resultItem{stop: true})
		<-collectorDone
		// A worker may have aborted the run after the stream ended.
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
	} else {
		cancel(err)
		wg.Wait()
		<-collectorDone
	}
	work.Close()
	out.Close()

	r.stats.Crawled = int(r.crawled.Load())
	if err != nil {
		return r.stats, classify(err)
	}
	c.logger.Info("pipeline finished",
		zap.String("job_id", req.JobID),
		zap.Int("crawled", r.stats.Crawled),
		zap.Int("processed", r.stats.Processed),
		zap.Int("failed", r.stats.Failed),
		zap.Int("skipped", r.stats.Skipped),
		zap.Int("snippets", r.stats.Snippets),
	)
	return r.stats, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, crawler.ErrExtractionFatal), errors.Is(err, crawler.ErrJobCancelled):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", crawler.ErrJobCancelled, err)
	default:
		return err
	}
}

// drive feeds the work queue from the fetch stream of each start URL and
// checks for cancellation every StatusCheckEvery pages.
func (c *Crawler) drive(ctx context.Context, r *run, work *memory.Queue[workItem], out *memory.Queue[resultItem]) error {
	for _, start := range r.req.StartURLs {
		remaining := 0
		if r.req.MaxPages > 0 {
			remaining = r.req.MaxPages - int(r.crawled.Load())
			if remaining <= 0 {
				break
			}
		}
		pages, err := c.deps.Fetcher.Crawl(ctx, crawler.CrawlRequest{
			JobID:           r.req.JobID,
			StartURL:        start,
			MaxDepth:        r.req.MaxDepth,
			MaxPages:        remaining,
			AllowedDomains:  r.req.AllowedDomains,
			IncludePatterns: r.req.IncludePatterns,
			ExcludePatterns: r.req.ExcludePatterns,
		})
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			c.logger.Error("start fetch failed",
				zap.String("job_id", r.req.JobID),
				zap.String("url", start),
				zap.Error(err),
			)
			if err := c.recordFailure(ctx, r, start, err.Error()); err != nil {
				return err
			}
			continue
		}
		for page := range pages {
			n := int(r.crawled.Add(1))
			if page.Success {
				if err := work.Put(workItem{page: page}); err != nil {
					return fmt.Errorf("queue page %s: %w", page.URL, err)
				}
			} else {
				msg := page.ErrorMessage
				if msg == "" {
					msg = "fetch failed"
				}
				if err := c.recordFailure(ctx, r, page.URL, msg); err != nil {
					return err
				}
				if err := out.Put(resultItem{url: page.URL, failed: true}); err != nil {
					return fmt.Errorf("queue result %s: %w", page.URL, err)
				}
			}
			if n%c.cfg.StatusCheckEvery == 0 {
				if err := c.checkCancelled(ctx, r.req.JobID); err != nil {
					return err
				}
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}
	return nil
}

func (c *Crawler) checkCancelled(ctx context.Context, jobID string) error {
	cancelled, err := c.deps.Jobs.IsCancelled(ctx, jobID)
	if err != nil {
		c.logger.Warn("job status check failed", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	if cancelled {
		c.logger.Info("job cancelled during crawl", zap.String("job_id", jobID))
		return crawler.ErrJobCancelled
	}
	return nil
}

// recordFailure writes to the ledger. Only a cancelled job is reported back;
// other ledger errors are logged.
func (c *Crawler) recordFailure(ctx context.Context, r *run, url, message string) error {
	err := c.deps.Failures.RecordFailure(ctx, r.req.JobID, url, message)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, crawler.ErrJobCancelled):
		return err
	default:
		c.logger.Error("record failed page",
			zap.String("job_id", r.req.JobID),
			zap.String("url", url),
			zap.Error(err),
		)
		return nil
	}
}

func (c *Crawler) reportProgress(ctx context.Context, r *run, notify bool) {
	s := r.stats
	update := progress.Update{
		Message: fmt.Sprintf("Processed %d pages", s.Processed),
		Extra: map[string]any{
			"failed_pages":    s.Failed,
			"skipped_pages":   s.Skipped,
			"snippets_reused": s.ReusedSnippets,
		},
	}
	update.ProcessedPages = s.Processed
	update.TotalPages = int(r.crawled.Load())
	update.DocumentsCrawled = s.Documents
	update.SnippetsExtracted = r.req.BaseSnippets + s.Snippets
	if err := c.deps.Progress.UpdateProgress(ctx, r.req.JobID, update, notify); err != nil && ctx.Err() == nil {
		c.logger.Warn("progress update failed", zap.String("job_id", r.req.JobID), zap.Error(err))
	}
}

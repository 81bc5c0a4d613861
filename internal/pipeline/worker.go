package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/metrics"
	"github.com/JakeFAU/codedox/internal/progress"
	"github.com/JakeFAU/codedox/internal/queue/memory"
	"github.com/JakeFAU/codedox/internal/results"
	"github.com/JakeFAU/codedox/internal/telemetry"
)

const markdownContentType = "text/markdown; charset=utf-8"

// worker extracts pages until it receives a stop item or ctx ends.
func (c *Crawler) worker(
	ctx context.Context,
	r *run,
	sem *semaphore.Weighted,
	work *memory.Queue[workItem],
	out *memory.Queue[resultItem],
) {
	for {
		item, err := work.Get(ctx)
		if err != nil || item.stop || ctx.Err() != nil {
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		res, err := c.process(ctx, r.req.JobID, item.page)
		sem.Release(1)

		switch {
		case err == nil:
		case errors.Is(err, crawler.ErrExtractionFatal):
			c.logger.Error("extraction service unavailable, aborting job",
				zap.String("job_id", r.req.JobID),
				zap.String("url", item.page.URL),
				zap.Error(err),
			)
			r.cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			c.logger.Warn("page extraction failed",
				zap.String("job_id", r.req.JobID),
				zap.String("url", item.page.URL),
				zap.Error(err),
			)
			if recErr := c.recordFailure(ctx, r, item.page.URL, err.Error()); recErr != nil {
				r.cancel(recErr)
				return
			}
			res = resultItem{url: item.page.URL, failed: true}
		}
		if err := out.Put(res); err != nil {
			return
		}
	}
}

// process hashes the page, skips extraction when its content is unchanged
// and otherwise calls the extraction service.
func (c *Crawler) process(ctx context.Context, jobID string, page crawler.FetchedPage) (resultItem, error) {
	ctx, span := telemetry.Start(ctx, "pipeline.process",
		attribute.String("job_id", jobID),
		attribute.String("url", page.URL),
		attribute.Int("depth", page.Depth),
	)
	res, err := c.processPage(ctx, jobID, page)
	span.SetAttributes(attribute.Bool("skipped", res.skipped))
	telemetry.End(span, err)
	return res, err
}

func (c *Crawler) processPage(ctx context.Context, jobID string, page crawler.FetchedPage) (resultItem, error) {
	hash, err := c.deps.Hasher.Hash([]byte(page.Markdown))
	if err != nil {
		return resultItem{}, crawler.NewPageError(page.URL, fmt.Errorf("hash content: %w", err))
	}

	unchanged, reused, err := c.deps.Dedup.CheckContentHash(ctx, page.URL, hash)
	if err != nil {
		c.logger.Warn("content hash check failed", zap.String("job_id", jobID), zap.String("url", page.URL), zap.Error(err))
	} else if unchanged {
		metrics.ObservePage(page.URL, metrics.PageSkipped)
		c.logger.Debug("content unchanged, skipping extraction",
			zap.String("job_id", jobID),
			zap.String("url", page.URL),
			zap.Int("snippets", reused),
		)
		return resultItem{url: page.URL, skipped: true, reused: reused}, nil
	}

	start := time.Now()
	extraction, err := c.deps.Extractor.Extract(ctx, crawler.ExtractionRequest{
		Markdown: page.Markdown,
		URL:      page.URL,
		Title:    page.Title,
	})
	if err != nil {
		metrics.ObserveExtraction("error", time.Since(start))
		if errors.Is(err, crawler.ErrExtractionFatal) {
			return resultItem{}, err
		}
		return resultItem{}, crawler.NewPageError(page.URL, err)
	}
	metrics.ObserveExtraction("ok", time.Since(start))
	metrics.ObservePage(page.URL, metrics.PageExtracted)

	return resultItem{
		url: page.URL,
		result: &results.PageResult{
			URL:         page.URL,
			Title:       page.Title,
			Markdown:    page.Markdown,
			ContentHash: hash,
			Metadata:    page.Metadata,
			Depth:       page.Depth,
			ArchiveURI:  c.archive(ctx, jobID, hash, page),
			Extraction:  extraction,
		},
	}, nil
}

// archive stores the page markdown when an archive is configured. Failures
// are logged and yield no URI.
func (c *Crawler) archive(ctx context.Context, jobID, hash string, page crawler.FetchedPage) string {
	if c.deps.Archive == nil {
		return ""
	}
	name := path.Join(strings.Trim(c.cfg.ArchivePrefix, "/"), jobID, hash+".md")
	uri, err := c.deps.Archive.PutObject(ctx, name, markdownContentType, strings.NewReader(page.Markdown))
	if err != nil {
		c.logger.Warn("archive page failed", zap.String("job_id", jobID), zap.String("url", page.URL), zap.Error(err))
		return ""
	}
	return uri
}

// collect accumulates counters, persists extracted pages in batches and
// reports progress every ProgressEvery processed pages. Pending pages are
// persisted before each report.
func (c *Crawler) collect(ctx context.Context, r *run, out *memory.Queue[resultItem]) {
	var (
		pending      []results.PageResult
		lastReported int
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		outcomes := c.deps.Results.ProcessBatch(ctx, pending, r.req.JobID)
		pending = pending[:0]
		for _, o := range outcomes {
			if errors.Is(o.Err, context.Canceled) {
				// Interrupted, not failed. The run is unwinding anyway.
				continue
			}
			if o.Err != nil {
				r.stats.Failed++
				if err := c.recordFailure(ctx, r, o.URL, o.Err.Error()); err != nil {
					r.cancel(err)
				}
				continue
			}
			r.stats.Documents++
			r.stats.Snippets += o.NewSnippets
		}
	}

	for {
		item, err := out.Get(ctx)
		if err != nil || ctx.Err() != nil {
			return
		}
		if item.stop {
			flush()
			c.reportProgress(ctx, r, true)
			return
		}
		r.stats.Processed++
		switch {
		case item.failed:
			r.stats.Failed++
		case item.skipped:
			r.stats.Skipped++
			r.stats.Documents++
			r.stats.ReusedSnippets += item.reused
		case item.result != nil:
			pending = append(pending, *item.result)
		}
		if len(pending) >= results.DefaultBatchSize {
			flush()
		}
		if progress.ShouldSendUpdate(r.stats.Processed, lastReported, c.cfg.ProgressEvery) {
			// Persist first so the reported counters cover every processed page.
			flush()
			c.reportProgress(ctx, r, true)
			lastReported = r.stats.Processed
		}
	}
}

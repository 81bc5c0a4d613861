// Package results persists extracted pages: documents, their code snippets
// and the per-job snippet dedup, plus best-effort auto-naming of jobs that
// still carry a placeholder name.
package results

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/metrics"
	"github.com/JakeFAU/codedox/internal/naming"
	"github.com/JakeFAU/codedox/internal/telemetry"
)

// DefaultBatchSize bounds how many results ProcessBatch persists at once.
const DefaultBatchSize = 10

const excerptLength = 2000

// PageResult is one fetched page ready to be persisted.
type PageResult struct {
	URL         string
	Title       string
	Markdown    string
	ContentHash string
	Metadata    map[string]string
	Depth       int
	ArchiveURI  string
	Extraction  crawler.ExtractionResult
}

// BatchOutcome reports what happened to one item of ProcessBatch.
type BatchOutcome struct {
	URL         string
	DocumentID  int64
	NewSnippets int
	Err         error
}

// Store writes page results.
type Store struct {
	docs      crawler.DocumentRepository
	jobs      crawler.JobRepository
	hasher    crawler.Hasher
	namer     *naming.Chain
	clock     crawler.Clock
	batchSize int
	logger    *zap.Logger

	// named holds job IDs whose auto-naming already ran in this process.
	named sync.Map
}

// Options configures a Store.
type Options struct {
	Documents crawler.DocumentRepository
	Jobs      crawler.JobRepository
	Hasher    crawler.Hasher
	Namer     *naming.Chain
	Clock     crawler.Clock
	BatchSize int
	Logger    *zap.Logger
}

// NewStore wires a Store. A nil Namer disables auto-naming.
func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Store{
		docs:      opts.Documents,
		jobs:      opts.Jobs,
		hasher:    opts.Hasher,
		namer:     opts.Namer,
		clock:     opts.Clock,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
	}
}

// PersistResult stores the page and its code blocks for jobID and returns the
// document ID and how many snippet rows were inserted. A page whose content
// hash matches the stored document is left untouched and reports zero.
func (s *Store) PersistResult(ctx context.Context, page PageResult, jobID string, depth int) (int64, int, error) {
	ctx, span := telemetry.Start(ctx, "results.PersistResult",
		attribute.String("job_id", jobID),
		attribute.String("url", page.URL),
		attribute.Int("blocks", len(page.Extraction.Blocks)),
	)
	docID, inserted, err := s.persist(ctx, page, jobID, depth)
	span.SetAttributes(attribute.Int64("document_id", docID), attribute.Int("snippets_inserted", inserted))
	telemetry.End(span, err)
	return docID, inserted, err
}

func (s *Store) persist(ctx context.Context, page PageResult, jobID string, depth int) (int64, int, error) {
	existing, err := s.docs.GetDocumentByURL(ctx, page.URL)
	found := err == nil
	switch {
	case found && page.ContentHash != "" && existing.ContentHash == page.ContentHash:
		return existing.ID, 0, nil
	case err != nil && !errors.Is(err, crawler.ErrNotFound):
		return 0, 0, fmt.Errorf("lookup document %s: %w", page.URL, err)
	}

	hashes := make([]string, len(page.Extraction.Blocks))
	for i, block := range page.Extraction.Blocks {
		h, err := s.hasher.Hash([]byte(block.Code))
		if err != nil {
			return 0, 0, fmt.Errorf("hash code block: %w", err)
		}
		hashes[i] = h
	}

	var (
		docID    int64
		inserted int
	)
	err = s.docs.WithinTx(ctx, jobID, func(ctx context.Context, tx crawler.DocumentTx) error {
		inserted = 0
		if found {
			if err := tx.DeleteSnippets(ctx, existing.ID); err != nil {
				return fmt.Errorf("delete snippets: %w", err)
			}
		}
		id, err := tx.UpsertDocument(ctx, crawler.Document{
			URL:         page.URL,
			Title:       page.Title,
			ContentHash: page.ContentHash,
			CrawlJobID:  jobID,
			CrawlDepth:  depth,
			ArchiveURI:  page.ArchiveURI,
			LastCrawled: s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
		docID = id
		for i, block := range page.Extraction.Blocks {
			snippet := snippetFromBlock(block, id, hashes[i], page.URL)
			prior, err := tx.FindSnippetByHash(ctx, jobID, hashes[i])
			switch {
			case err == nil:
				snippet.ID = prior.ID
				if err := tx.UpdateSnippet(ctx, snippet); err != nil {
					return fmt.Errorf("update snippet %d: %w", prior.ID, err)
				}
			case errors.Is(err, crawler.ErrNotFound):
				if _, err := tx.InsertSnippet(ctx, snippet); err != nil {
					return fmt.Errorf("insert snippet: %w", err)
				}
				inserted++
			default:
				return fmt.Errorf("find snippet by hash: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("persist %s: %w", page.URL, err)
	}
	metrics.ObserveSnippets(inserted)

	s.autoName(ctx, jobID, page)
	return docID, inserted, nil
}

func snippetFromBlock(block crawler.CodeBlock, docID int64, hash, sourceURL string) crawler.CodeSnippet {
	return crawler.CodeSnippet{
		DocumentID:    docID,
		CodeHash:      hash,
		Code:          block.Code,
		Language:      block.Language,
		Title:         block.Title,
		Filename:      block.Filename,
		Description:   block.Description,
		Purpose:       block.Purpose,
		Frameworks:    block.Frameworks,
		Keywords:      block.Keywords,
		Dependencies:  block.Dependencies,
		Relationships: block.Relationships,
		SourceURL:     sourceURL,
	}
}

// autoName runs the naming chain at most once per job. Failures only log.
func (s *Store) autoName(ctx context.Context, jobID string, page PageResult) {
	if s.namer == nil || s.jobs == nil {
		return
	}
	if _, seen := s.named.LoadOrStore(jobID, struct{}{}); seen {
		return
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn("auto-naming skipped", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Config.NameDetected {
		return
	}
	name := ""
	if naming.IsPlaceholder(job.Name, job.Domain, job.StartURLs) {
		name = s.namer.Detect(ctx, crawler.NameHint{
			URL:      page.URL,
			Title:    page.Title,
			Metadata: page.Metadata,
			Excerpt:  excerpt(page.Markdown),
		})
	}
	_, err = s.jobs.UpdateJob(ctx, jobID, func(job *crawler.Job) error {
		job.Config.NameDetected = true
		if name != "" && naming.IsPlaceholder(job.Name, job.Domain, job.StartURLs) {
			job.Name = name
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("store detected name", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if name != "" {
		s.logger.Info("auto-named job", zap.String("job_id", jobID), zap.String("name", name))
	}
}

func excerpt(markdown string) string {
	if utf8.RuneCountInString(markdown) <= excerptLength {
		return markdown
	}
	return string([]rune(markdown)[:excerptLength])
}

// ProcessBatch persists items in groups of the configured batch size. Items
// within a group run concurrently; one item's failure never affects another.
// Items not attempted because ctx ended carry ctx's error.
func (s *Store) ProcessBatch(ctx context.Context, items []PageResult, jobID string) []BatchOutcome {
	out := make([]BatchOutcome, len(items))
	for start := 0; start < len(items); start += s.batchSize {
		end := min(start+s.batchSize, len(items))
		if err := ctx.Err(); err != nil {
			for i := start; i < len(items); i++ {
				out[i] = BatchOutcome{URL: items[i].URL, Err: err}
			}
			break
		}
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				item := items[i]
				docID, n, err := s.PersistResult(ctx, item, jobID, item.Depth)
				out[i] = BatchOutcome{URL: item.URL, DocumentID: docID, NewSnippets: n, Err: err}
				if err != nil {
					s.logger.Error("persist page result",
						zap.String("job_id", jobID),
						zap.String("url", item.URL),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return out
}

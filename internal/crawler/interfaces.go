package crawler

import (
	"context"
	"io"
	"time"
)

// JobRepository persists Job rows. Lookups of a missing job return ErrNotFound.
type JobRepository interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	FindJobByDomain(ctx context.Context, domain string) (Job, error)
	// UpdateJob runs fn against the current row inside one short transaction and
	// persists the result. An error from fn aborts the write and is returned as is.
	UpdateJob(ctx context.Context, jobID string, fn func(*Job) error) (Job, error)
	ListStalledJobs(ctx context.Context, heartbeatBefore time.Time) ([]Job, error)
	CountSnippetsForJob(ctx context.Context, jobID string) (int, error)
	CountDocumentsForJob(ctx context.Context, jobID string) (int, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// DocumentRepository reads documents and opens write scopes for page results.
type DocumentRepository interface {
	GetDocumentByURL(ctx context.Context, url string) (Document, error)
	CountSnippets(ctx context.Context, documentID int64) (int, error)
	ListDocuments(ctx context.Context, jobID string) ([]Document, error)
	ListSnippets(ctx context.Context, documentID int64) ([]CodeSnippet, error)
	// WithinTx runs fn in a transaction serialized per job. Any error rolls back.
	WithinTx(ctx context.Context, jobID string, fn func(ctx context.Context, tx DocumentTx) error) error
}

// DocumentTx is the write surface available inside DocumentRepository.WithinTx.
type DocumentTx interface {
	UpsertDocument(ctx context.Context, doc Document) (int64, error)
	DeleteSnippets(ctx context.Context, documentID int64) error
	// FindSnippetByHash searches every document owned by jobID.
	FindSnippetByHash(ctx context.Context, jobID, codeHash string) (CodeSnippet, error)
	InsertSnippet(ctx context.Context, snippet CodeSnippet) (int64, error)
	UpdateSnippet(ctx context.Context, snippet CodeSnippet) error
}

// FailedPageRepository is the append-only failure ledger storage.
type FailedPageRepository interface {
	// InsertFailedPage reports false when (job_id, url) was already recorded.
	InsertFailedPage(ctx context.Context, page FailedPage) (bool, error)
	ListFailedPages(ctx context.Context, jobID string) ([]FailedPage, error)
	CountFailedPages(ctx context.Context, jobID string) (int, error)
}

// Store bundles every repository backed by one database.
type Store interface {
	JobRepository
	DocumentRepository
	FailedPageRepository
	Ping(ctx context.Context) error
	Close()
}

// PageFetcher streams pages for one crawl request. The channel is closed once
// the crawl finishes or ctx is cancelled.
type PageFetcher interface {
	Crawl(ctx context.Context, req CrawlRequest) (<-chan FetchedPage, error)
}

// PageRenderer loads a URL in a browser and returns the DOM after scripts ran.
type PageRenderer interface {
	Render(ctx context.Context, url string) (RenderedPage, error)
}

// RenderDetector decides whether a statically fetched page needs a browser.
type RenderDetector interface {
	NeedsRendering(page PageSnapshot) bool
}

// CodeExtractor turns page markdown into normalized code blocks.
type CodeExtractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (ExtractionResult, error)
}

// NameClassifier proposes a short display name for a documentation site.
type NameClassifier interface {
	ClassifyName(ctx context.Context, hint NameHint) (string, error)
}

// Notifier publishes job notifications. Emit must never block or panic.
type Notifier interface {
	Emit(n Notification)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further execution happens for the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CrawlPhase is the sub-state of a running job. The zero value means no phase.
type CrawlPhase string

// Crawl phases reported while a job is running.
const (
	PhaseNone       CrawlPhase = ""
	PhaseCrawling   CrawlPhase = "crawling"
	PhaseFinalizing CrawlPhase = "finalizing"
)

// CancelledByUser is the error message written when a crawl is cancelled.
const CancelledByUser = "Cancelled by user"

// JobMetadata carries provenance tags for a job.
type JobMetadata struct {
	RetryOfJob string            `json:"retry_of_job,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// JobConfig holds the typed per-job crawl settings persisted alongside the job.
type JobConfig struct {
	MaxPages            int         `json:"max_pages,omitempty"`
	MaxConcurrentCrawls int         `json:"max_concurrent_crawls,omitempty"`
	DomainRestrictions  []string    `json:"domain_restrictions,omitempty"`
	IncludePatterns     []string    `json:"include_patterns,omitempty"`
	ExcludePatterns     []string    `json:"exclude_patterns,omitempty"`
	BaseSnippetCount    int         `json:"base_snippet_count"`
	NameDetected        bool        `json:"name_detected"`
	Metadata            JobMetadata `json:"metadata"`
}

// Job is the tracked unit of crawl work scoped to one domain.
type Job struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Domain            string     `json:"domain"`
	StartURLs         []string   `json:"start_urls"`
	MaxDepth          int        `json:"max_depth"`
	Status            JobStatus  `json:"status"`
	Phase             CrawlPhase `json:"crawl_phase,omitempty"`
	TotalPages        int        `json:"total_pages"`
	ProcessedPages    int        `json:"processed_pages"`
	DocumentsCrawled  int        `json:"documents_crawled"`
	SnippetsExtracted int        `json:"snippets_extracted"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	Config            JobConfig  `json:"config"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LastSeen is the most recent sign of life: the heartbeat, else the start
// time, else the last update.
func (j Job) LastSeen() time.Time {
	switch {
	case j.LastHeartbeat != nil:
		return *j.LastHeartbeat
	case j.StartedAt != nil:
		return *j.StartedAt
	default:
		return j.UpdatedAt
	}
}

// Document is a fetched page. Exactly one of CrawlJobID and UploadJobID is set.
type Document struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	ContentHash string    `json:"content_hash"`
	CrawlJobID  string    `json:"crawl_job_id,omitempty"`
	UploadJobID string    `json:"upload_job_id,omitempty"`
	CrawlDepth  int       `json:"crawl_depth"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	LastCrawled time.Time `json:"last_crawled"`
}

// OwnerJobID returns whichever job owns the document.
func (d Document) OwnerJobID() string {
	if d.CrawlJobID != "" {
		return d.CrawlJobID
	}
	return d.UploadJobID
}

// Relationship links a code block to another construct on the page.
type Relationship struct {
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// CodeSnippet is a persisted code block belonging to one Document.
type CodeSnippet struct {
	ID            int64          `json:"id"`
	DocumentID    int64          `json:"document_id"`
	CodeHash      string         `json:"code_hash"`
	Code          string         `json:"code"`
	Language      string         `json:"language"`
	Title         string         `json:"title"`
	Filename      string         `json:"filename,omitempty"`
	Description   string         `json:"description"`
	Purpose       string         `json:"purpose,omitempty"`
	Frameworks    []string       `json:"frameworks,omitempty"`
	Keywords      []string       `json:"keywords,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	SourceURL     string         `json:"source_url"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// FailedPage is an append-only record of a URL that could not be processed.
type FailedPage struct {
	JobID        string    `json:"job_id"`
	URL          string    `json:"url"`
	ErrorMessage string    `json:"error_message"`
	FailedAt     time.Time `json:"failed_at"`
}

// CrawlRequest scopes one streaming fetch run.
type CrawlRequest struct {
	JobID           string
	StartURL        string
	MaxDepth        int
	MaxPages        int
	AllowedDomains  []string
	IncludePatterns []string
	ExcludePatterns []string
}

// FetchedPage is one item of the fetcher's output stream.
type FetchedPage struct {
	URL          string
	Markdown     string
	Title        string
	Metadata     map[string]string
	Depth        int
	Success      bool
	ErrorMessage string
}

// PageSnapshot is what the fetcher saw for one page before deciding whether
// to render it in a browser.
type PageSnapshot struct {
	URL        string
	StatusCode int
	Body       []byte
	// Markdown is the conversion of the main content area of Body.
	Markdown string
}

// RenderedPage is a page loaded by a headless browser.
type RenderedPage struct {
	URL        string
	StatusCode int
	HTML       string
}

// ExtractionRequest is submitted to the code extraction service.
type ExtractionRequest struct {
	Markdown string
	URL      string
	Title    string
}

// CodeBlock is one normalized code block returned by the extraction service.
type CodeBlock struct {
	Code          string         `json:"code"`
	Language      string         `json:"language"`
	Title         string         `json:"title"`
	Filename      string         `json:"filename,omitempty"`
	Description   string         `json:"description"`
	Purpose       string         `json:"purpose,omitempty"`
	Frameworks    []string       `json:"frameworks,omitempty"`
	Keywords      []string       `json:"keywords,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// PageMetadata is the page-level summary returned by the extraction service.
type PageMetadata struct {
	Topic        string   `json:"topic"`
	Type         string   `json:"type"`
	Technologies []string `json:"technologies,omitempty"`
	KeyConcepts  []string `json:"key_concepts,omitempty"`
	Links        []string `json:"links,omitempty"`
}

// ExtractionResult is the single data-transfer type produced at the extraction boundary.
type ExtractionResult struct {
	Blocks []CodeBlock   `json:"code_blocks"`
	Page   PageMetadata  `json:"page"`
	Took   time.Duration `json:"-"`
}

// NameHint is the input for the job auto-naming detectors.
type NameHint struct {
	URL      string
	Title    string
	Metadata map[string]string
	Excerpt  string
}

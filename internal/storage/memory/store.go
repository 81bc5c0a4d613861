// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// Store implements crawler.Store on top of maps guarded by one RWMutex.
// Values are copied on the way in and out so callers never share slices with
// the stored rows.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]crawler.Job
	domains   map[string]string
	docs      map[int64]crawler.Document
	docByURL  map[string]int64
	snippets  map[int64]crawler.CodeSnippet
	failed    map[string][]crawler.FailedPage
	nextDocID int64
	nextSnpID int64
	now       func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]crawler.Job),
		domains:  make(map[string]string),
		docs:     make(map[int64]crawler.Document),
		docByURL: make(map[string]int64),
		snippets: make(map[int64]crawler.CodeSnippet),
		failed:   make(map[string][]crawler.FailedPage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// CreateJob stores a new job. Job IDs and domains are unique.
func (s *Store) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrConflict)
	}
	if _, exists := s.domains[job.Domain]; exists {
		return fmt.Errorf("create job for domain %s: %w", job.Domain, crawler.ErrConflict)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = cloneJob(job)
	s.domains[job.Domain] = job.ID
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrNotFound)
	}
	return cloneJob(job), nil
}

// FindJobByDomain returns the job owning domain.
func (s *Store) FindJobByDomain(_ context.Context, domain string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.domains[domain]
	if !ok {
		return crawler.Job{}, fmt.Errorf("find job for domain %s: %w", domain, crawler.ErrNotFound)
	}
	return cloneJob(s.jobs[id]), nil
}

// UpdateJob applies fn to a copy of the row and stores it when fn succeeds.
func (s *Store) UpdateJob(_ context.Context, jobID string, fn func(*crawler.Job) error) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("update job %s: %w", jobID, crawler.ErrNotFound)
	}
	next := cloneJob(current)
	if err := fn(&next); err != nil {
		return crawler.Job{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if next.Domain != current.Domain {
		if owner, taken := s.domains[next.Domain]; taken && owner != jobID {
			return crawler.Job{}, fmt.Errorf("update job %s domain: %w", jobID, crawler.ErrConflict)
		}
		delete(s.domains, current.Domain)
		s.domains[next.Domain] = jobID
	}
	next.UpdatedAt = s.now()
	s.jobs[jobID] = cloneJob(next)
	return cloneJob(next), nil
}

// ListStalledJobs returns running jobs whose last sign of life predates the cutoff.
func (s *Store) ListStalledJobs(_ context.Context, heartbeatBefore time.Time) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusRunning {
			continue
		}
		if job.LastSeen().Before(heartbeatBefore) {
			out = append(out, cloneJob(job))
		}
	}
	slices.SortFunc(out, func(a, b crawler.Job) int { return a.LastSeen().Compare(b.LastSeen()) })
	return out, nil
}

// CountSnippetsForJob counts snippets across every document the job owns.
func (s *Store) CountSnippetsForJob(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, snippet := range s.snippets {
		if doc, ok := s.docs[snippet.DocumentID]; ok && doc.OwnerJobID() == jobID {
			count++
		}
	}
	return count, nil
}

// CountDocumentsForJob counts documents the job owns.
func (s *Store) CountDocumentsForJob(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, doc := range s.docs {
		if doc.OwnerJobID() == jobID {
			count++
		}
	}
	return count, nil
}

// DeleteJob removes the job with its documents, snippets and failed pages.
func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("delete job %s: %w", jobID, crawler.ErrNotFound)
	}
	for id, doc := range s.docs {
		if doc.OwnerJobID() != jobID {
			continue
		}
		s.deleteSnippetsLocked(id)
		delete(s.docByURL, doc.URL)
		delete(s.docs, id)
	}
	delete(s.failed, jobID)
	delete(s.domains, job.Domain)
	delete(s.jobs, jobID)
	return nil
}

// GetDocumentByURL returns the document stored for url.
func (s *Store) GetDocumentByURL(_ context.Context, url string) (crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.docByURL[url]
	if !ok {
		return crawler.Document{}, fmt.Errorf("get document %s: %w", url, crawler.ErrNotFound)
	}
	return s.docs[id], nil
}

// CountSnippets counts the snippets of one document.
func (s *Store) CountSnippets(_ context.Context, documentID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, snippet := range s.snippets {
		if snippet.DocumentID == documentID {
			count++
		}
	}
	return count, nil
}

// ListDocuments returns the job's documents ordered by ID.
func (s *Store) ListDocuments(_ context.Context, jobID string) ([]crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Document
	for _, doc := range s.docs {
		if doc.OwnerJobID() == jobID {
			out = append(out, doc)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Document) int { return compareID(a.ID, b.ID) })
	return out, nil
}

// ListSnippets returns a document's snippets ordered by ID.
func (s *Store) ListSnippets(_ context.Context, documentID int64) ([]crawler.CodeSnippet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CodeSnippet
	for _, snippet := range s.snippets {
		if snippet.DocumentID == documentID {
			out = append(out, cloneSnippet(snippet))
		}
	}
	slices.SortFunc(out, func(a, b crawler.CodeSnippet) int { return compareID(a.ID, b.ID) })
	return out, nil
}

// InsertFailedPage records a failure unless (job, url) is already present.
func (s *Store) InsertFailedPage(_ context.Context, page crawler.FailedPage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.failed[page.JobID] {
		if existing.URL == page.URL {
			return false, nil
		}
	}
	if page.FailedAt.IsZero() {
		page.FailedAt = s.now()
	}
	s.failed[page.JobID] = append(s.failed[page.JobID], page)
	return true, nil
}

// ListFailedPages returns failures in insertion order.
func (s *Store) ListFailedPages(_ context.Context, jobID string) ([]crawler.FailedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.failed[jobID]), nil
}

// CountFailedPages counts the job's recorded failures.
func (s *Store) CountFailedPages(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.failed[jobID]), nil
}

func (s *Store) deleteSnippetsLocked(documentID int64) {
	for id, snippet := range s.snippets {
		if snippet.DocumentID == documentID {
			delete(s.snippets, id)
		}
	}
}

func compareID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func pointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

func cloneJob(job crawler.Job) crawler.Job {
	out := job
	out.StartURLs = slices.Clone(job.StartURLs)
	out.StartedAt = pointerTime(job.StartedAt)
	out.CompletedAt = pointerTime(job.CompletedAt)
	out.LastHeartbeat = pointerTime(job.LastHeartbeat)
	out.Config.DomainRestrictions = slices.Clone(job.Config.DomainRestrictions)
	out.Config.IncludePatterns = slices.Clone(job.Config.IncludePatterns)
	out.Config.ExcludePatterns = slices.Clone(job.Config.ExcludePatterns)
	if job.Config.Metadata.Tags != nil {
		out.Config.Metadata.Tags = make(map[string]string, len(job.Config.Metadata.Tags))
		for k, v := range job.Config.Metadata.Tags {
			out.Config.Metadata.Tags[k] = v
		}
	}
	return out
}

func cloneSnippet(snippet crawler.CodeSnippet) crawler.CodeSnippet {
	out := snippet
	out.Frameworks = slices.Clone(snippet.Frameworks)
	out.Keywords = slices.Clone(snippet.Keywords)
	out.Dependencies = slices.Clone(snippet.Dependencies)
	out.Relationships = slices.Clone(snippet.Relationships)
	return out
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/codedox/internal/crawler"
)

const jobColumns = `id, name, domain, start_urls, max_depth, status, COALESCE(crawl_phase, ''),
	total_pages, processed_pages, documents_crawled, snippets_extracted,
	started_at, completed_at, last_heartbeat, retry_count, max_retries,
	COALESCE(error_message, ''), config, created_at, updated_at`

// CreateJob inserts a new job row. A duplicate id or domain yields crawler.ErrConflict.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO crawl_jobs (id, name, domain, start_urls, max_depth, status, crawl_phase,
			total_pages, processed_pages, documents_crawled, snippets_extracted,
			started_at, completed_at, last_heartbeat, retry_count, max_retries,
			error_message, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		job.ID, job.Name, job.Domain, job.StartURLs, job.MaxDepth, string(job.Status), nullString(string(job.Phase)),
		job.TotalPages, job.ProcessedPages, job.DocumentsCrawled, job.SnippetsExtracted,
		job.StartedAt, job.CompletedAt, job.LastHeartbeat, job.RetryCount, job.MaxRetries,
		nullString(job.ErrorMessage), cfg, job.CreatedAt, now,
	)
	return mapError(err, "insert job %s", job.ID)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return crawler.Job{}, mapError(err, "get job %s", jobID)
	}
	return job, nil
}

// FindJobByDomain fetches the job owning domain.
func (s *Store) FindJobByDomain(ctx context.Context, domain string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE domain = $1`, domain)
	job, err := scanJob(row)
	if err != nil {
		return crawler.Job{}, mapError(err, "find job for domain %s", domain)
	}
	return job, nil
}

// UpdateJob locks the row with SELECT ... FOR UPDATE, applies fn and writes
// every mutable column back before committing.
func (s *Store) UpdateJob(ctx context.Context, jobID string, fn func(*crawler.Job) error) (crawler.Job, error) {
	var out crawler.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID)
		job, err := scanJob(row)
		if err != nil {
			return mapError(err, "lock job %s", jobID)
		}
		if err := fn(&job); err != nil {
			return err
		}
		cfg, err := json.Marshal(job.Config)
		if err != nil {
			return fmt.Errorf("encode job config: %w", err)
		}
		job.ID = jobID
		job.UpdatedAt = s.now()
		_, err = tx.Exec(ctx, `
			UPDATE crawl_jobs SET name = $2, domain = $3, start_urls = $4, max_depth = $5, status = $6,
				crawl_phase = $7, total_pages = $8, processed_pages = $9, documents_crawled = $10,
				snippets_extracted = $11, started_at = $12, completed_at = $13, last_heartbeat = $14,
				retry_count = $15, max_retries = $16, error_message = $17, config = $18, updated_at = $19
			WHERE id = $1`,
			jobID, job.Name, job.Domain, job.StartURLs, job.MaxDepth, string(job.Status),
			nullString(string(job.Phase)), job.TotalPages, job.ProcessedPages, job.DocumentsCrawled,
			job.SnippetsExtracted, job.StartedAt, job.CompletedAt, job.LastHeartbeat,
			job.RetryCount, job.MaxRetries, nullString(job.ErrorMessage), cfg, job.UpdatedAt,
		)
		if err != nil {
			return mapError(err, "update job %s", jobID)
		}
		out = job
		return nil
	})
	if err != nil {
		return crawler.Job{}, err
	}
	return out, nil
}

// ListStalledJobs returns running jobs whose heartbeat (or start time when no
// heartbeat was ever written) is older than heartbeatBefore.
func (s *Store) ListStalledJobs(ctx context.Context, heartbeatBefore time.Time) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM crawl_jobs
		WHERE status = 'running' AND COALESCE(last_heartbeat, started_at, updated_at) < $1
		ORDER BY COALESCE(last_heartbeat, started_at, updated_at)`, heartbeatBefore)
	if err != nil {
		return nil, fmt.Errorf("query stalled jobs: %w", err)
	}
	defer rows.Close()
	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled jobs: %w", err)
	}
	return out, nil
}

// CountSnippetsForJob counts snippets across every document the job owns.
func (s *Store) CountSnippetsForJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM code_snippets s
		JOIN documents d ON d.id = s.document_id
		WHERE d.crawl_job_id = $1 OR d.upload_job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snippets for job %s: %w", jobID, err)
	}
	return n, nil
}

// CountDocumentsForJob counts the job's documents.
func (s *Store) CountDocumentsForJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM documents WHERE crawl_job_id = $1 OR upload_job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents for job %s: %w", jobID, err)
	}
	return n, nil
}

// DeleteJob removes the job. Documents, snippets and failed pages cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job                           crawler.Job
		status, phase                 string
		started, completed, heartbeat pgtype.Timestamptz
		cfg                           []byte
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.Domain, &job.StartURLs, &job.MaxDepth, &status, &phase,
		&job.TotalPages, &job.ProcessedPages, &job.DocumentsCrawled, &job.SnippetsExtracted,
		&started, &completed, &heartbeat, &job.RetryCount, &job.MaxRetries,
		&job.ErrorMessage, &cfg, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	job.Phase = crawler.CrawlPhase(phase)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.LastHeartbeat = timePtr(heartbeat)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &job.Config); err != nil {
			return crawler.Job{}, fmt.Errorf("decode job config: %w", err)
		}
	}
	return job, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

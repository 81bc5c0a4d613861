package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// InsertFailedPage records the first failure for (job_id, url); repeats are ignored.
func (s *Store) InsertFailedPage(ctx context.Context, page crawler.FailedPage) (bool, error) {
	if page.FailedAt.IsZero() {
		page.FailedAt = s.now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO failed_pages (job_id, url, error_message, failed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, url) DO NOTHING`,
		page.JobID, page.URL, page.ErrorMessage, page.FailedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert failed page %s: %w", page.URL, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListFailedPages returns the job's failures oldest first.
func (s *Store) ListFailedPages(ctx context.Context, jobID string) ([]crawler.FailedPage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, url, error_message, failed_at FROM failed_pages
		WHERE job_id = $1 ORDER BY failed_at, url`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query failed pages for job %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []crawler.FailedPage
	for rows.Next() {
		var page crawler.FailedPage
		if err := rows.Scan(&page.JobID, &page.URL, &page.ErrorMessage, &page.FailedAt); err != nil {
			return nil, fmt.Errorf("scan failed page: %w", err)
		}
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed pages: %w", err)
	}
	return out, nil
}

// CountFailedPages counts the job's failures.
func (s *Store) CountFailedPages(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM failed_pages WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed pages for job %s: %w", jobID, err)
	}
	return n, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/codedox/internal/crawler"
)

const documentColumns = `id, url, title, content_hash, COALESCE(crawl_job_id, ''), COALESCE(upload_job_id, ''),
	crawl_depth, archive_uri, last_crawled`

const snippetColumns = `s.id, s.document_id, s.code_hash, s.code, s.language, s.title, s.filename,
	s.description, s.purpose, s.frameworks, s.keywords, s.dependencies, s.relationships,
	s.source_url, s.created_at, s.updated_at`

// GetDocumentByURL returns the document stored for url.
func (s *Store) GetDocumentByURL(ctx context.Context, url string) (crawler.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE url = $1`, url)
	doc, err := scanDocument(row)
	if err != nil {
		return crawler.Document{}, mapError(err, "get document %s", url)
	}
	return doc, nil
}

// CountSnippets counts the snippets of one document.
func (s *Store) CountSnippets(ctx context.Context, documentID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM code_snippets WHERE document_id = $1`, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snippets for document %d: %w", documentID, err)
	}
	return n, nil
}

// ListDocuments returns the job's documents ordered by id.
func (s *Store) ListDocuments(ctx context.Context, jobID string) ([]crawler.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE crawl_job_id = $1 OR upload_job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query documents for job %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []crawler.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// ListSnippets returns a document's snippets ordered by id.
func (s *Store) ListSnippets(ctx context.Context, documentID int64) ([]crawler.CodeSnippet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snippetColumns+` FROM code_snippets s WHERE s.document_id = $1 ORDER BY s.id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query snippets for document %d: %w", documentID, err)
	}
	defer rows.Close()
	var out []crawler.CodeSnippet
	for rows.Next() {
		snippet, err := scanSnippet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		out = append(out, snippet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return out, nil
}

// WithinTx runs fn in a transaction holding a transaction-scoped advisory
// lock keyed by the job so snippet dedup lookups and inserts of concurrent
// pages of one job never interleave.
func (s *Store) WithinTx(ctx context.Context, jobID string, fn func(ctx context.Context, tx crawler.DocumentTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, jobID); err != nil {
			return fmt.Errorf("lock job %s: %w", jobID, err)
		}
		return fn(ctx, &documentTx{q: tx, s: s})
	})
}

type documentTx struct {
	q querier
	s *Store
}

func (t *documentTx) UpsertDocument(ctx context.Context, doc crawler.Document) (int64, error) {
	if (doc.CrawlJobID == "") == (doc.UploadJobID == "") {
		return 0, fmt.Errorf("upsert document %s: exactly one owning job required", doc.URL)
	}
	if doc.LastCrawled.IsZero() {
		doc.LastCrawled = t.s.now()
	}
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO documents (url, title, content_hash, crawl_job_id, upload_job_id, crawl_depth, archive_uri, last_crawled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			content_hash = EXCLUDED.content_hash,
			crawl_job_id = EXCLUDED.crawl_job_id,
			upload_job_id = EXCLUDED.upload_job_id,
			crawl_depth = EXCLUDED.crawl_depth,
			archive_uri = EXCLUDED.archive_uri,
			last_crawled = EXCLUDED.last_crawled
		RETURNING id`,
		doc.URL, doc.Title, doc.ContentHash, nullString(doc.CrawlJobID), nullString(doc.UploadJobID),
		doc.CrawlDepth, doc.ArchiveURI, doc.LastCrawled,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err, "upsert document %s", doc.URL)
	}
	return id, nil
}

func (t *documentTx) DeleteSnippets(ctx context.Context, documentID int64) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM code_snippets WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete snippets for document %d: %w", documentID, err)
	}
	return nil
}

func (t *documentTx) FindSnippetByHash(ctx context.Context, jobID, codeHash string) (crawler.CodeSnippet, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+snippetColumns+` FROM code_snippets s
		JOIN documents d ON d.id = s.document_id
		WHERE s.code_hash = $2 AND (d.crawl_job_id = $1 OR d.upload_job_id = $1)
		ORDER BY s.id LIMIT 1`, jobID, codeHash)
	snippet, err := scanSnippet(row)
	if err != nil {
		return crawler.CodeSnippet{}, mapError(err, "find snippet %s", codeHash)
	}
	return snippet, nil
}

func (t *documentTx) InsertSnippet(ctx context.Context, snippet crawler.CodeSnippet) (int64, error) {
	rel, err := encodeRelationships(snippet.Relationships)
	if err != nil {
		return 0, err
	}
	now := t.s.now()
	var id int64
	err = t.q.QueryRow(ctx, `
		INSERT INTO code_snippets (document_id, code_hash, code, language, title, filename, description,
			purpose, frameworks, keywords, dependencies, relationships, source_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING id`,
		snippet.DocumentID, snippet.CodeHash, snippet.Code, snippet.Language, snippet.Title, snippet.Filename,
		snippet.Description, snippet.Purpose, nonNil(snippet.Frameworks), nonNil(snippet.Keywords),
		nonNil(snippet.Dependencies), rel, snippet.SourceURL, now,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err, "insert snippet for document %d", snippet.DocumentID)
	}
	return id, nil
}

func (t *documentTx) UpdateSnippet(ctx context.Context, snippet crawler.CodeSnippet) error {
	rel, err := encodeRelationships(snippet.Relationships)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE code_snippets SET code = $2, language = $3, title = $4, filename = $5, description = $6,
			purpose = $7, frameworks = $8, keywords = $9, dependencies = $10, relationships = $11,
			source_url = $12, updated_at = $13
		WHERE id = $1`,
		snippet.ID, snippet.Code, snippet.Language, snippet.Title, snippet.Filename, snippet.Description,
		snippet.Purpose, nonNil(snippet.Frameworks), nonNil(snippet.Keywords), nonNil(snippet.Dependencies),
		rel, snippet.SourceURL, t.s.now(),
	)
	if err != nil {
		return fmt.Errorf("update snippet %d: %w", snippet.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update snippet %d: %w", snippet.ID, crawler.ErrNotFound)
	}
	return nil
}

func scanDocument(row pgx.Row) (crawler.Document, error) {
	var doc crawler.Document
	err := row.Scan(&doc.ID, &doc.URL, &doc.Title, &doc.ContentHash, &doc.CrawlJobID, &doc.UploadJobID,
		&doc.CrawlDepth, &doc.ArchiveURI, &doc.LastCrawled)
	return doc, err
}

func scanSnippet(row pgx.Row) (crawler.CodeSnippet, error) {
	var (
		snippet crawler.CodeSnippet
		rel     []byte
	)
	err := row.Scan(&snippet.ID, &snippet.DocumentID, &snippet.CodeHash, &snippet.Code, &snippet.Language,
		&snippet.Title, &snippet.Filename, &snippet.Description, &snippet.Purpose, &snippet.Frameworks,
		&snippet.Keywords, &snippet.Dependencies, &rel, &snippet.SourceURL, &snippet.CreatedAt, &snippet.UpdatedAt)
	if err != nil {
		return crawler.CodeSnippet{}, err
	}
	if len(rel) > 0 {
		if err := json.Unmarshal(rel, &snippet.Relationships); err != nil {
			return crawler.CodeSnippet{}, fmt.Errorf("decode relationships: %w", err)
		}
	}
	return snippet, nil
}

func encodeRelationships(rel []crawler.Relationship) ([]byte, error) {
	if rel == nil {
		rel = []crawler.Relationship{}
	}
	data, err := json.Marshal(rel)
	if err != nil {
		return nil, fmt.Errorf("encode relationships: %w", err)
	}
	return data, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codedox/internal/crawler"
)

func newJob(id, domain string) crawler.Job {
	return crawler.Job{
		ID:        id,
		Name:      domain,
		Domain:    domain,
		StartURLs: []string{"https://" + domain},
		Status:    crawler.JobStatusPending,
	}
}

func TestCreateJobUniqueness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateJob(ctx, newJob("a", "docs.example.com")))
	require.ErrorIs(t, s.CreateJob(ctx, newJob("a", "other.example.com")), crawler.ErrConflict)
	require.ErrorIs(t, s.CreateJob(ctx, newJob("b", "docs.example.com")), crawler.ErrConflict)

	got, err := s.FindJobByDomain(ctx, "docs.example.com")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestUpdateJobIsolatesCallerCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateJob(ctx, newJob("a", "docs.example.com")))

	updated, err := s.UpdateJob(ctx, "a", func(job *crawler.Job) error {
		job.Status = crawler.JobStatusRunning
		job.StartURLs = append(job.StartURLs, "https://docs.example.com/extra")
		return nil
	})
	require.NoError(t, err)
	updated.StartURLs[0] = "mutated"

	got, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, got.Status)
	require.Equal(t, []string{"https://docs.example.com", "https://docs.example.com/extra"}, got.StartURLs)

	boom := errors.New("boom")
	_, err = s.UpdateJob(ctx, "a", func(job *crawler.Job) error {
		job.Status = crawler.JobStatusFailed
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, err = s.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, got.Status)

	_, err = s.UpdateJob(ctx, "missing", func(*crawler.Job) error { return nil })
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestListStalledJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()
	old := now.Add(-2 * time.Minute)
	fresh := now.Add(-5 * time.Second)

	for _, j := range []struct {
		id     string
		status crawler.JobStatus
		hb     time.Time
	}{
		{"stale", crawler.JobStatusRunning, old},
		{"fresh", crawler.JobStatusRunning, fresh},
		{"done", crawler.JobStatusCompleted, old},
	} {
		job := newJob(j.id, j.id+".example.com")
		job.Status = j.status
		hb := j.hb
		job.LastHeartbeat = &hb
		require.NoError(t, s.CreateJob(ctx, job))
	}

	stalled, err := s.ListStalledJobs(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, "stale", stalled[0].ID)
}

func TestWithinTxPerJobDedupAndRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", "one.example.com")))
	require.NoError(t, s.CreateJob(ctx, newJob("j2", "two.example.com")))

	insert := func(jobID, url, hash string) {
		err := s.WithinTx(ctx, jobID, func(ctx context.Context, tx crawler.DocumentTx) error {
			docID, err := tx.UpsertDocument(ctx, crawler.Document{URL: url, CrawlJobID: jobID, ContentHash: "h"})
			if err != nil {
				return err
			}
			existing, err := tx.FindSnippetByHash(ctx, jobID, hash)
			if err == nil {
				existing.Description = "updated"
				return tx.UpdateSnippet(ctx, existing)
			}
			if !errors.Is(err, crawler.ErrNotFound) {
				return err
			}
			_, err = tx.InsertSnippet(ctx, crawler.CodeSnippet{DocumentID: docID, CodeHash: hash, Code: "x"})
			return err
		})
		require.NoError(t, err)
	}

	insert("j1", "https://one.example.com/a", "same")
	insert("j1", "https://one.example.com/b", "same")
	insert("j2", "https://two.example.com/a", "same")

	n1, err := s.CountSnippetsForJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 1, n1)
	n2, err := s.CountSnippetsForJob(ctx, "j2")
	require.NoError(t, err)
	require.Equal(t, 1, n2)
	docs, err := s.CountDocumentsForJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 2, docs)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, "j1", func(ctx context.Context, tx crawler.DocumentTx) error {
		if _, err := tx.UpsertDocument(ctx, crawler.Document{URL: "https://one.example.com/c", CrawlJobID: "j1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.GetDocumentByURL(ctx, "https://one.example.com/c")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestUpsertDocumentRequiresSingleOwner(t *testing.T) {
	t.Parallel()

	s := NewStore()
	err := s.WithinTx(context.Background(), "j", func(ctx context.Context, tx crawler.DocumentTx) error {
		_, err := tx.UpsertDocument(ctx, crawler.Document{URL: "u", CrawlJobID: "a", UploadJobID: "b"})
		return err
	})
	require.Error(t, err)
}

func TestFailedPagesFirstFailureWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	inserted, err := s.InsertFailedPage(ctx, crawler.FailedPage{JobID: "j", URL: "u", ErrorMessage: "first"})
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = s.InsertFailedPage(ctx, crawler.FailedPage{JobID: "j", URL: "u", ErrorMessage: "second"})
	require.NoError(t, err)
	require.False(t, inserted)

	pages, err := s.ListFailedPages(ctx, "j")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "first", pages[0].ErrorMessage)
}

func TestDeleteJobCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateJob(ctx, newJob("j", "docs.example.com")))
	require.NoError(t, s.WithinTx(ctx, "j", func(ctx context.Context, tx crawler.DocumentTx) error {
		id, err := tx.UpsertDocument(ctx, crawler.Document{URL: "u", CrawlJobID: "j"})
		if err != nil {
			return err
		}
		_, err = tx.InsertSnippet(ctx, crawler.CodeSnippet{DocumentID: id, CodeHash: "h"})
		return err
	}))
	_, err := s.InsertFailedPage(ctx, crawler.FailedPage{JobID: "j", URL: "bad"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteJob(ctx, "j"))
	_, err = s.GetDocumentByURL(ctx, "u")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	count, err := s.CountFailedPages(ctx, "j")
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, s.snippets)
	_, err = s.FindJobByDomain(ctx, "docs.example.com")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

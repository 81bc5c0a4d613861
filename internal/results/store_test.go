package results

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/codedox/internal/clock/fake"
	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/hash/sha256"
	"github.com/JakeFAU/codedox/internal/naming"
	"github.com/JakeFAU/codedox/internal/storage/memory"
)

func newStore(t *testing.T, namer *naming.Chain) (*Store, *memory.Store) {
	t.Helper()
	repo := memory.NewStore()
	for _, id := range []string{"job-a", "job-b"} {
		require.NoError(t, repo.CreateJob(context.Background(), crawler.Job{
			ID:        id,
			Name:      id + ".example.com",
			Domain:    id + ".example.com",
			StartURLs: []string{"https://" + id + ".example.com"},
			Status:    crawler.JobStatusRunning,
		}))
	}
	s := NewStore(Options{
		Documents: repo,
		Jobs:      repo,
		Hasher:    sha256.New(),
		Namer:     namer,
		Clock:     fake.New(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
	})
	return s, repo
}

func page(url, hash string, codes ...string) PageResult {
	blocks := make([]crawler.CodeBlock, 0, len(codes))
	for _, code := range codes {
		blocks = append(blocks, crawler.CodeBlock{Code: code, Language: "go"})
	}
	return PageResult{
		URL:         url,
		Title:       "Page",
		ContentHash: hash,
		Extraction:  crawler.ExtractionResult{Blocks: blocks},
	}
}

func snippetCount(t *testing.T, repo *memory.Store, jobID string) int {
	t.Helper()
	n, err := repo.CountSnippetsForJob(context.Background(), jobID)
	require.NoError(t, err)
	return n
}

func TestPersistResultInsertsDocumentAndSnippets(t *testing.T) {
	t.Parallel()

	s, repo := newStore(t, nil)
	ctx := context.Background()

	docID, n, err := s.PersistResult(ctx, page("https://job-a.example.com/1", "h1", "fmt.Println(1)", "fmt.Println(2)"), "job-a", 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	doc, err := repo.GetDocumentByURL(ctx, "https://job-a.example.com/1")
	require.NoError(t, err)
	require.Equal(t, docID, doc.ID)
	require.Equal(t, "job-a", doc.CrawlJobID)
	require.Equal(t, 1, doc.CrawlDepth)
	require.Equal(t, "h1", doc.ContentHash)

	snippets, err := repo.ListSnippets(ctx, docID)
	require.NoError(t, err)
	require.Len(t, snippets, 2)
	require.Equal(t, "https://job-a.example.com/1", snippets[0].SourceURL)
	require.NotEmpty(t, snippets[0].CodeHash)
}

// Swaps the global tracer provider, so it does not run in parallel.
func TestPersistResultTracesWrite(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s, _ := newStore(t, nil)
	docID, _, err := s.PersistResult(context.Background(), page("https://job-a.example.com/traced", "h1", "a()", "b()"), "job-a", 0)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "results.PersistResult", spans[0].Name())
	attrs := spans[0].Attributes()
	require.Contains(t, attrs, attribute.String("job_id", "job-a"))
	require.Contains(t, attrs, attribute.String("url", "https://job-a.example.com/traced"))
	require.Contains(t, attrs, attribute.Int("snippets_inserted", 2))
	require.Contains(t, attrs, attribute.Int64("document_id", docID))
}

func TestPersistResultUnchangedHashIsNoop(t *testing.T) {
	t.Parallel()

	s, repo := newStore(t, nil)
	ctx := context.Background()
	p := page("https://job-a.example.com/1", "h1", "a()", "b()")

	firstID, _, err := s.PersistResult(ctx, p, "job-a", 0)
	require.NoError(t, err)

	p.Extraction.Blocks = append(p.Extraction.Blocks, crawler.CodeBlock{Code: "c()"})
	id, n, err := s.PersistResult(ctx, p, "job-a", 0)
	require.NoError(t, err)
	require.Equal(t, firstID, id)
	require.Zero(t, n)
	require.Equal(t, 2, snippetCount(t, repo, "job-a"))
}

func TestPersistResultChangedContentReplacesSnippets(t *testing.T) {
	t.Parallel()

	s, repo := newStore(t, nil)
	ctx := context.Background()

	_, _, err := s.PersistResult(ctx, page("https://job-a.example.com/1", "h1", "a()", "b()"), "job-a", 0)
	require.NoError(t, err)
	_, n, err := s.PersistResult(ctx, page("https://job-a.example.com/1", "h2", "c()"), "job-a", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, snippetCount(t, repo, "job-a"))
}

func TestPersistResultDedupWithinJobOnly(t *testing.T) {
	t.Parallel()

	s, repo := newStore(t, nil)
	ctx := context.Background()
	shared := "func shared() {}"

	_, n, err := s.PersistResult(ctx, page("https://job-a.example.com/1", "h1", shared), "job-a", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, n, err = s.PersistResult(ctx, page("https://job-a.example.com/2", "h2", shared), "job-a", 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, snippetCount(t, repo, "job-a"))

	_, n, err = s.PersistResult(ctx, page("https://job-b.example.com/1", "h3", shared), "job-b", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, snippetCount(t, repo, "job-b"))
	require.Equal(t, 1, snippetCount(t, repo, "job-a"))
}

func TestPersistResultAutoNamesPlaceholderJobOnce(t *testing.T) {
	t.Parallel()

	s, repo := newStore(t, naming.Default(nil, nil))
	ctx := context.Background()

	p := page("https://job-a.example.com/1", "h1", "x()")
	p.Metadata = map[string]string{"og:site_name": "Example Docs"}
	_, _, err := s.PersistResult(ctx, p, "job-a", 0)
	require.NoError(t, err)

	job, err := repo.GetJob(ctx, "job-a")
	require.NoError(t, err)
	require.Equal(t, "Example Docs", job.Name)
	require.True(t, job.Config.NameDetected)

	p = page("https://job-a.example.com/2", "h2", "y()")
	p.Metadata = map[string]string{"og:site_name": "Other"}
	_, _, err = s.PersistResult(ctx, p, "job-a", 0)
	require.NoError(t, err)
	job, err = repo.GetJob(ctx, "job-a")
	require.NoError(t, err)
	require.Equal(t, "Example Docs", job.Name)
}

type flakyDocs struct {
	*memory.Store
	badURL string
}

func (f flakyDocs) GetDocumentByURL(ctx context.Context, url string) (crawler.Document, error) {
	if url == f.badURL {
		return crawler.Document{}, errors.New("connection reset")
	}
	return f.Store.GetDocumentByURL(ctx, url)
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	base, repo := newStore(t, nil)
	s := NewStore(Options{
		Documents: flakyDocs{Store: repo, badURL: "https://job-a.example.com/7"},
		Jobs:      repo,
		Hasher:    base.hasher,
		Clock:     base.clock,
	})

	items := make([]PageResult, 0, 25)
	for i := range 25 {
		items = append(items, page(fmt.Sprintf("https://job-a.example.com/%d", i), fmt.Sprint("h", i), fmt.Sprintf("code(%d)", i)))
	}

	outcomes := s.ProcessBatch(context.Background(), items, "job-a")
	require.Len(t, outcomes, 25)
	for i, o := range outcomes {
		require.Equal(t, items[i].URL, o.URL)
		if i == 7 {
			require.ErrorContains(t, o.Err, "connection reset")
			continue
		}
		require.NoError(t, o.Err)
		require.Equal(t, 1, o.NewSnippets)
	}
	require.Equal(t, 24, snippetCount(t, repo, "job-a"))
}

func TestProcessBatchStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := s.ProcessBatch(ctx, []PageResult{page("https://job-a.example.com/1", "h", "a()")}, "job-a")
	require.Len(t, outcomes, 1)
	require.ErrorIs(t, outcomes[0].Err, context.Canceled)
}

package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/headless/detector"
)

const indexPage = `<html lang="en"><head>
<title>Example Docs</title>
<meta property="og:site_name" content="Example">
<meta name="description" content="Docs for Example">
</head><body>
<main>
<h1>Intro</h1>
<pre><code>go run .</code></pre>
<a href="/a">A</a>
<a href="/b#install">B</a>
<a href="/skip/x">Skipped</a>
<a href="/missing">Missing</a>
<a href="https://other.example.org/">External</a>
<a href="mailto:docs@example.com">Mail</a>
</main>
<script>console.log("x")</script>
</body></html>`

const appShell = `<html><head><title>App</title></head><body>
<div id="root"></div>
<script src="/bundle.js"></script>
</body></html>`

const renderedApp = `<html lang="en"><head><title>Rendered App</title></head><body>
<main><h1>Install</h1><pre><code>npm install app</code></pre><a href="/b">B</a></main>
</body></html>`

func newDocsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprint(w, body)
		}
	}
	mux.HandleFunc("/{$}", page(indexPage))
	mux.HandleFunc("/a", page(`<html><head><title>A</title></head><body><p>Page A</p><a href="/a/deeper">deeper</a></body></html>`))
	mux.HandleFunc("/a/deeper", page(`<html><head><title>Deeper</title></head><body><p>Deep</p></body></html>`))
	mux.HandleFunc("/b", page(`<html><head><title>B</title></head><body><p>Page B</p></body></html>`))
	mux.HandleFunc("/skip/x", page(`<html><body><p>skip</p></body></html>`))
	mux.HandleFunc("/app", page(appShell))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ch <-chan crawler.FetchedPage) map[string]crawler.FetchedPage {
	t.Helper()
	pages := make(map[string]crawler.FetchedPage)
	timeout := time.After(10 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return pages
			}
			u, err := url.Parse(p.URL)
			require.NoError(t, err)
			pages[u.Path] = p
		case <-timeout:
			t.Fatal("crawl did not finish")
		}
	}
}

func TestCrawlFollowsLinksWithinDepth(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	f := New(Config{UserAgent: "codedox-test", Timeout: 5 * time.Second}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{
		JobID:           "job-1",
		StartURL:        srv.URL + "/",
		MaxDepth:        1,
		ExcludePatterns: []string{"*/skip/*"},
	})
	require.NoError(t, err)
	pages := collect(t, ch)

	require.Len(t, pages, 4)
	require.NotContains(t, pages, "/a/deeper")
	require.NotContains(t, pages, "/skip/x")

	index := pages["/"]
	require.True(t, index.Success)
	require.Zero(t, index.Depth)
	require.Equal(t, "Example Docs", index.Title)
	require.Equal(t, "Example", index.Metadata["og:site_name"])
	require.Equal(t, "Docs for Example", index.Metadata["description"])
	require.Equal(t, "en", index.Metadata["lang"])
	require.Contains(t, index.Markdown, "Intro")
	require.Contains(t, index.Markdown, "go run .")
	require.NotContains(t, index.Markdown, "console.log")

	require.True(t, pages["/a"].Success)
	require.Equal(t, 1, pages["/a"].Depth)
	require.Equal(t, srv.URL+"/b", pages["/b"].URL)

	missing := pages["/missing"]
	require.False(t, missing.Success)
	require.Contains(t, missing.ErrorMessage, "404")
}

func TestCrawlDepthZeroFetchesOnlyStart(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	f := New(Config{}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: srv.URL + "/"})
	require.NoError(t, err)
	pages := collect(t, ch)
	require.Len(t, pages, 1)
	require.Contains(t, pages, "/")
}

func TestCrawlHonorsMaxPages(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	f := New(Config{}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: srv.URL + "/", MaxDepth: 2, MaxPages: 2})
	require.NoError(t, err)
	require.Len(t, collect(t, ch), 2)
}

func TestCrawlIncludePatterns(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	f := New(Config{}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{
		StartURL:        srv.URL + "/",
		MaxDepth:        2,
		IncludePatterns: []string{"*/a*"},
	})
	require.NoError(t, err)
	pages := collect(t, ch)
	require.Len(t, pages, 3)
	require.Contains(t, pages, "/")
	require.Contains(t, pages, "/a")
	require.Contains(t, pages, "/a/deeper")
}

func TestCrawlStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	f := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.Crawl(ctx, crawler.CrawlRequest{StartURL: srv.URL + "/", MaxDepth: 2})
	require.NoError(t, err)
	<-ch
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
}

func TestCrawlRejectsInvalidStartURL(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	_, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: "ftp://docs.example.com"})
	require.Error(t, err)
	_, err = f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: "not a url"})
	require.Error(t, err)
}

func TestDomainAllowed(t *testing.T) {
	t.Parallel()

	allowed := normalizeDomains([]string{" Example.com ", "*.docs.io", ""})
	require.Equal(t, []string{"example.com", "docs.io"}, allowed)
	require.True(t, domainAllowed("example.com", allowed))
	require.True(t, domainAllowed("api.example.com", allowed))
	require.True(t, domainAllowed("v2.docs.io", allowed))
	require.False(t, domainAllowed("notexample.com", allowed))
	require.False(t, domainAllowed("other.org", allowed))
}

func TestURLFilter(t *testing.T) {
	t.Parallel()

	f, err := newURLFilter([]string{"https://docs.example.com/guide/*"}, []string{"*/guide/legacy/*"})
	require.NoError(t, err)
	require.True(t, f.Allow("https://docs.example.com/guide/intro"))
	require.False(t, f.Allow("https://docs.example.com/guide/legacy/v1"))
	require.False(t, f.Allow("https://docs.example.com/blog/post"))

	open, err := newURLFilter(nil, nil)
	require.NoError(t, err)
	require.True(t, open.Allow("https://anything.example.org/"))
}

func TestCrawlRendersClientSidePages(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	renderer := &fakeRenderer{html: renderedApp}
	f := New(Config{Renderer: renderer, Detector: detector.NewHeuristic(50)}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: srv.URL + "/app", MaxDepth: 1})
	require.NoError(t, err)
	pages := collect(t, ch)

	app := pages["/app"]
	require.True(t, app.Success)
	require.Equal(t, srv.URL+"/app", app.URL)
	require.Equal(t, "Rendered App", app.Title)
	require.Equal(t, "en", app.Metadata["lang"])
	require.Contains(t, app.Markdown, "npm install app")

	// /b is only linked from the rendered DOM and is static, so it is not rendered.
	require.True(t, pages["/b"].Success)
	require.Equal(t, []string{srv.URL + "/app"}, renderer.URLs())
}

func TestCrawlKeepsStaticContentWhenRenderFails(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	renderer := &fakeRenderer{err: errors.New("chrome not found")}
	f := New(Config{Renderer: renderer, Detector: detector.NewHeuristic(50)}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: srv.URL + "/app"})
	require.NoError(t, err)
	pages := collect(t, ch)

	app := pages["/app"]
	require.True(t, app.Success)
	require.Equal(t, "App", app.Title)
	require.Len(t, renderer.URLs(), 1)
}

func TestCrawlIgnoresRenderedErrorPages(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	renderer := &fakeRenderer{html: renderedApp, status: http.StatusServiceUnavailable}
	f := New(Config{Renderer: renderer, AlwaysRender: true}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: srv.URL + "/app"})
	require.NoError(t, err)
	require.Equal(t, "App", collect(t, ch)["/app"].Title)
}

func TestCrawlAlwaysRender(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	renderer := &fakeRenderer{html: renderedApp}
	f := New(Config{Renderer: renderer, AlwaysRender: true}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: srv.URL + "/"})
	require.NoError(t, err)
	pages := collect(t, ch)
	require.Equal(t, "Rendered App", pages["/"].Title)
	require.Equal(t, []string{srv.URL + "/"}, renderer.URLs())
}

func TestCrawlWithoutDetectorNeverRenders(t *testing.T) {
	t.Parallel()

	srv := newDocsServer(t)
	renderer := &fakeRenderer{html: renderedApp}
	f := New(Config{Renderer: renderer}, nil)

	ch, err := f.Crawl(context.Background(), crawler.CrawlRequest{StartURL: srv.URL + "/app"})
	require.NoError(t, err)
	require.Equal(t, "App", collect(t, ch)["/app"].Title)
	require.Empty(t, renderer.URLs())
}

type fakeRenderer struct {
	html   string
	status int
	err    error

	mu   sync.Mutex
	urls []string
}

func (r *fakeRenderer) Render(_ context.Context, pageURL string) (crawler.RenderedPage, error) {
	r.mu.Lock()
	r.urls = append(r.urls, pageURL)
	r.mu.Unlock()
	if r.err != nil {
		return crawler.RenderedPage{}, r.err
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return crawler.RenderedPage{URL: pageURL, StatusCode: status, HTML: r.html}, nil
}

func (r *fakeRenderer) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

// Package collyfetcher implements crawler.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultParallelism = 4
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Parallelism caps concurrent requests per crawl.
	Parallelism int
	// Delay is the pause between requests to the same host.
	Delay time.Duration
	// ForbiddenThreshold is how many 403/429 responses block a host for the
	// rest of a crawl.
	ForbiddenThreshold int
	// Renderer, when set, re-renders pages in a browser. Pages go through it
	// when AlwaysRender is set or when Detector flags them.
	Renderer     crawler.PageRenderer
	Detector     crawler.RenderDetector
	AlwaysRender bool
}

// Fetcher crawls documentation sites breadth first and streams every page as
// markdown.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	markdown  *markdownConverter
	logger    *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	f := &Fetcher{
		cfg:      cfg,
		markdown: newMarkdownConverter(),
		logger:   logger,
	}
	f.transport = &robotsAwareTransport{
		base: newHTTPTransport(),
		onFallback: func(host, reason string) {
			logger.Warn("robots.txt unreachable, allowing crawl",
				zap.String("host", host), zap.String("reason", reason))
		},
	}
	return f
}

// crawlState is the per-crawl bookkeeping shared by the collector callbacks.
type crawlState struct {
	ctx       context.Context
	req       crawler.CrawlRequest
	out       chan<- crawler.FetchedPage
	allowed   []string
	filter    *urlFilter
	blocker   *hostBlocker
	requested atomic.Int64
}

// Crawl starts crawling req.StartURL. The returned channel is closed when the
// crawl is exhausted or ctx is cancelled.
func (f *Fetcher) Crawl(ctx context.Context, req crawler.CrawlRequest) (<-chan crawler.FetchedPage, error) {
	start, err := url.Parse(req.StartURL)
	if err != nil || (start.Scheme != "http" && start.Scheme != "https") || start.Hostname() == "" {
		return nil, fmt.Errorf("invalid start url %q", req.StartURL)
	}
	filter, err := newURLFilter(req.IncludePatterns, req.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	allowed := normalizeDomains(req.AllowedDomains)
	if len(allowed) == 0 {
		allowed = []string{strings.ToLower(start.Hostname())}
	}

	out := make(chan crawler.FetchedPage)
	st := &crawlState{
		ctx:     ctx,
		req:     req,
		out:     out,
		allowed: allowed,
		filter:  filter,
		blocker: newHostBlocker(f.cfg.ForbiddenThreshold),
	}
	c, err := f.newCollector(st)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		if err := c.Visit(start.String()); err != nil {
			st.send(crawler.FetchedPage{URL: start.String(), ErrorMessage: err.Error()})
			return
		}
		c.Wait()
	}()
	return out, nil
}

func (f *Fetcher) newCollector(st *crawlState) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.Async(true),
		colly.MaxDepth(st.req.MaxDepth + 1),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if !f.cfg.RespectRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(&contextAwareTransport{base: f.transport, ctx: st.ctx})
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: f.cfg.Parallelism,
		Delay:       f.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("configure collector limits: %w", err)
	}

	c.OnRequest(func(r *colly.Request) {
		if st.ctx.Err() != nil || st.blocker.IsBlocked(r.URL.Hostname()) {
			r.Abort()
			return
		}
		if st.req.MaxPages > 0 && st.requested.Add(1) > int64(st.req.MaxPages) {
			r.Abort()
		}
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		st.send(f.handlePage(st, e))
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		st.follow(e.Request, e.Attr("href"))
	})

	c.OnError(func(r *colly.Response, err error) {
		if st.ctx.Err() != nil {
			return
		}
		page := crawler.FetchedPage{ErrorMessage: err.Error()}
		if r != nil && r.Request != nil {
			page.URL = r.Request.URL.String()
			page.Depth = r.Request.Depth - 1
			if r.StatusCode > 0 {
				page.ErrorMessage = fmt.Sprintf("HTTP %d: %s", r.StatusCode, err.Error())
			}
			if isRefusal(r.StatusCode) && st.blocker.MarkForbidden(r.Request.URL.Hostname()) {
				f.logger.Warn("host keeps refusing requests, skipping it for this crawl",
					zap.String("job_id", st.req.JobID),
					zap.String("host", r.Request.URL.Hostname()),
					zap.Int("status", r.StatusCode),
				)
			}
		}
		f.logger.Debug("page fetch failed",
			zap.String("job_id", st.req.JobID),
			zap.String("url", page.URL),
			zap.String("error", page.ErrorMessage),
		)
		st.send(page)
	})
	return c, nil
}

func (f *Fetcher) handlePage(st *crawlState, e *colly.HTMLElement) crawler.FetchedPage {
	pageURL := e.Request.URL.String()
	page := f.buildPage(pageURL, e.Request.Depth-1, e.DOM)
	if !f.wantsRender(e, page) {
		return page
	}
	dom, err := f.render(st.ctx, pageURL)
	if err != nil {
		if st.ctx.Err() == nil {
			f.logger.Warn("render failed, keeping static content",
				zap.String("job_id", st.req.JobID),
				zap.String("url", pageURL),
				zap.Error(err),
			)
		}
		return page
	}
	// Links injected by scripts are invisible to the static a[href] callback.
	dom.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		st.follow(e.Request, s.AttrOr("href", ""))
	})
	return f.buildPage(pageURL, page.Depth, dom)
}

func (f *Fetcher) wantsRender(e *colly.HTMLElement, page crawler.FetchedPage) bool {
	switch {
	case f.cfg.Renderer == nil:
		return false
	case f.cfg.AlwaysRender:
		return true
	case f.cfg.Detector == nil:
		return false
	}
	snapshot := crawler.PageSnapshot{URL: page.URL, Markdown: page.Markdown}
	if e.Response != nil {
		snapshot.StatusCode = e.Response.StatusCode
		snapshot.Body = e.Response.Body
	}
	return f.cfg.Detector.NeedsRendering(snapshot)
}

// render returns the <html> selection of the browser-rendered page.
func (f *Fetcher) render(ctx context.Context, pageURL string) (*goquery.Selection, error) {
	rendered, err := f.cfg.Renderer.Render(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if rendered.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("rendered page returned HTTP %d", rendered.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}
	return doc.Find("html").First(), nil
}

func (f *Fetcher) buildPage(pageURL string, depth int, dom *goquery.Selection) crawler.FetchedPage {
	page := crawler.FetchedPage{
		URL:      pageURL,
		Title:    strings.TrimSpace(dom.Find("title").First().Text()),
		Metadata: extractMetadata(dom),
		Depth:    depth,
	}

	content, err := mainContentHTML(dom)
	if err == nil {
		page.Markdown, err = f.markdown.Convert(content)
	}
	if err != nil {
		page.ErrorMessage = fmt.Sprintf("convert page: %v", err)
		return page
	}
	page.Success = true
	return page
}

func (st *crawlState) follow(from *colly.Request, href string) {
	if st.ctx.Err() != nil || from.Depth-1 >= st.req.MaxDepth {
		return
	}
	if st.req.MaxPages > 0 && st.requested.Load() >= int64(st.req.MaxPages) {
		return
	}
	link := from.AbsoluteURL(href)
	if link == "" {
		return
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	if !domainAllowed(u.Hostname(), st.allowed) || st.blocker.IsBlocked(u.Hostname()) {
		return
	}
	link = normalizeLink(u)
	if !st.filter.Allow(link) {
		return
	}
	// Visit errors are expected for already visited or depth-capped links.
	_ = from.Visit(link)
}

func (st *crawlState) send(page crawler.FetchedPage) {
	select {
	case st.out <- page:
	case <-st.ctx.Done():
	}
}

// extractMetadata collects <meta> name/property pairs from the <html> selection.
func extractMetadata(doc *goquery.Selection) map[string]string {
	meta := make(map[string]string)
	doc.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		key := s.AttrOr("property", "")
		if key == "" {
			key = s.AttrOr("name", "")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if key == "" || content == "" {
			return
		}
		if _, exists := meta[key]; !exists {
			meta[key] = content
		}
	})
	if lang := doc.AttrOr("lang", ""); lang != "" {
		meta["lang"] = lang
	}
	return meta
}

// mainContentHTML returns the inner HTML of the page's main content area
// with navigation chrome and scripts removed.
func mainContentHTML(doc *goquery.Selection) (string, error) {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc
	}
	if main := body.Find("main, article, [role=main]").First(); main.Length() > 0 {
		body = main
	}
	body = body.Clone()
	body.Find("script, style, noscript, nav, header, footer, aside").Remove()
	html, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("render content html: %w", err)
	}
	return html, nil
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "*.")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// domainAllowed reports whether host equals or is a subdomain of an allowed domain.
func domainAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// contextAwareTransport binds every request to the crawl's context so
// cancellation interrupts in-flight fetches.
type contextAwareTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, fmt.Errorf("crawl canceled: %w", err)
	}
	resp, err := t.base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
	}
	return resp, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

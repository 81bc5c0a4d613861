// Package headless renders JavaScript-heavy documentation pages with a
// headless Chrome driven by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/logging"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettle            = 500 * time.Millisecond
)

// Config controls the browser pool.
type Config struct {
	// MaxParallel caps concurrently open tabs. Zero means unlimited.
	MaxParallel int
	UserAgent   string
	// NavigationTimeout bounds one render, navigation and settle included.
	NavigationTimeout time.Duration
	// Settle is how long scripts get to populate the DOM after the body is ready.
	Settle time.Duration
	// ExecPath overrides Chrome discovery.
	ExecPath string
}

// Renderer implements crawler.PageRenderer. Chrome is started lazily on the
// first render and shared by every tab until Close.
type Renderer struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New prepares a Renderer.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless max parallel must be >= 0")
	}
	if cfg.Settle < 0 {
		return nil, errors.New("headless settle must be >= 0")
	}
	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logging.OrNop(logger),
	}, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to url and returns the DOM once scripts had time to run.
func (r *Renderer) Render(ctx context.Context, url string) (crawler.RenderedPage, error) {
	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return crawler.RenderedPage{}, fmt.Errorf("wait for browser tab: %w", err)
		}
		defer r.slots.Release(1)
	}

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.navTimeout())
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, finalURL string
	err := chromedp.Run(tabCtx,
		r.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settle()),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.RenderedPage{}, fmt.Errorf("render %s: %w", url, ctxErr)
		}
		return crawler.RenderedPage{}, fmt.Errorf("render %s: %w", url, err)
	}

	status, pageURL := doc.result(url, finalURL)
	r.logger.Debug("page rendered",
		zap.String("url", pageURL),
		zap.Int("status", status),
		zap.Int("html_bytes", len(html)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return crawler.RenderedPage{URL: pageURL, StatusCode: status, HTML: html}, nil
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (r *Renderer) settle() time.Duration {
	if r.cfg.Settle > 0 {
		return r.cfg.Settle
	}
	return defaultSettle
}

// documentResponse remembers the status and URL of the last top-level
// document response, which follows redirects.
type documentResponse struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.mu.Unlock()
}

func (d *documentResponse) result(requestURL, finalURL string) (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if url == "" {
		url = finalURL
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes recorded by ObservePage.
const (
	PageExtracted = "extracted"
	PageSkipped   = "skipped"
	PageFailed    = "failed"
)

var (
	jobsTotal                  *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	snippetsTotal              prometheus.Counter
	activeCrawls               prometheus.Gauge
	stalledJobsTotal           prometheus.Counter
	extractionDurationSeconds  *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codedox_jobs_total",
				Help: "Crawl jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codedox_pages_total",
				Help: "Pages handled by the extraction pipeline, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		snippetsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "codedox_snippets_total",
				Help: "New code snippets persisted.",
			},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "codedox_active_crawls",
				Help: "Crawl executions currently running in this process.",
			},
		)

		stalledJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "codedox_stalled_jobs_total",
				Help: "Running jobs closed by the health monitor after their heartbeat went stale.",
			},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codedox_extraction_duration_seconds",
				Help:    "Latency of code extraction calls, labeled by result.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codedox_rate_limit_delays_seconds",
				Help:    "Time spent waiting on the extraction rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"key"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob counts a job reaching status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObservePage counts a page outcome for the page's site.
func ObservePage(pageURL, outcome string) {
	Init()
	pagesTotal.WithLabelValues(SanitizeSite(pageURL), outcome).Inc()
}

// ObserveSnippets adds n newly persisted snippets.
func ObserveSnippets(n int) {
	if n <= 0 {
		return
	}
	Init()
	snippetsTotal.Add(float64(n))
}

// IncActiveCrawls increments the active crawl gauge.
func IncActiveCrawls() {
	Init()
	activeCrawls.Inc()
}

// DecActiveCrawls decrements the active crawl gauge.
func DecActiveCrawls() {
	Init()
	activeCrawls.Dec()
}

// ObserveStalledJob counts a job closed by the health monitor.
func ObserveStalledJob() {
	Init()
	stalledJobsTotal.Inc()
}

// ObserveExtraction records an extraction call latency.
func ObserveExtraction(result string, duration time.Duration) {
	Init()
	extractionDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

package collyfetcher

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const defaultForbiddenThreshold = 3

// hostBlocker stops a crawl from hammering a host that keeps answering 403
// or 429. Hosts are compared case-insensitively.
type hostBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newHostBlocker(threshold int) *hostBlocker {
	if threshold <= 0 {
		threshold = defaultForbiddenThreshold
	}
	return &hostBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (b *hostBlocker) IsBlocked(host string) bool {
	if host == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[strings.ToLower(host)]
	return ok
}

// MarkForbidden counts a refusal for host. It returns true only on the call
// that crosses the threshold.
func (b *hostBlocker) MarkForbidden(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return false
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}

func isRefusal(status int) bool {
	return status == http.StatusForbidden || status == http.StatusTooManyRequests
}

// normalizeLink lowercases the scheme and host, drops default ports and the
// fragment, and sorts query parameters so equivalent links dedupe.
func normalizeLink(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Scheme == "http" {
		n.Host = strings.TrimSuffix(n.Host, ":80")
	}
	if n.Scheme == "https" {
		n.Host = strings.TrimSuffix(n.Host, ":443")
	}
	n.Fragment = ""
	n.RawFragment = ""
	if n.RawQuery != "" {
		n.RawQuery = n.Query().Encode()
	}
	return n.String()
}

package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	fallbackReasonTimeout = "robots.txt timed out"
	allowAllRobots        = "User-agent: *\nAllow: /"
	// fallbackTTL is how long a host whose robots.txt timed out is assumed
	// to allow everything before its robots.txt is tried again.
	fallbackTTL = 10 * time.Minute
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport keeps an unreachable robots.txt from failing a crawl.
// Timed out robots.txt fetches are retried on the backoff schedule; when every
// attempt times out the host is answered with an allow-all file, and later
// crawls of that host skip the retries until fallbackTTL passes.
// Everything other than robots.txt goes straight to base.
type robotsAwareTransport struct {
	base       http.RoundTripper
	backoff    []time.Duration
	now        func() time.Time
	onFallback func(host, reason string)

	mu       sync.Mutex
	fellBack map[string]time.Time
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	if t.recentlyFellBack(req.URL.Host) {
		return allowAllResponse(req), nil
	}
	return t.fetchRobots(req)
}

func (t *robotsAwareTransport) fetchRobots(req *http.Request) (*http.Response, error) {
	backoff := t.backoff
	if backoff == nil {
		backoff = defaultRobotsBackoff
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil:
			return resp, nil
		case !isTimeout(err):
			return nil, fmt.Errorf("fetch robots.txt for %s: %w", req.URL.Host, err)
		case attempt == len(backoff):
			t.markFallback(req.URL.Host)
			return allowAllResponse(req), nil
		}
		if err := pause(req.Context(), backoff[attempt]); err != nil {
			return nil, fmt.Errorf("fetch robots.txt for %s: %w", req.URL.Host, err)
		}
	}
}

func (t *robotsAwareTransport) recentlyFellBack(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.fellBack[host]
	if !ok {
		return false
	}
	if t.clock().Sub(at) >= fallbackTTL {
		delete(t.fellBack, host)
		return false
	}
	return true
}

func (t *robotsAwareTransport) markFallback(host string) {
	t.mu.Lock()
	if t.fellBack == nil {
		t.fellBack = make(map[string]time.Time)
	}
	t.fellBack[host] = t.clock()
	t.mu.Unlock()
	if t.onFallback != nil {
		t.onFallback(host, fallbackReasonTimeout)
	}
}

func (t *robotsAwareTransport) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Request:       req,
	}
}

// isTimeout covers dial, TLS handshake and response header timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}

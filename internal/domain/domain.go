// Package domain maps crawl start URLs to the canonical domain that identifies
// a job. One job exists per domain.
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrNoHost is returned when none of the URLs carries a usable host.
var ErrNoHost = errors.New("no host in start urls")

const retryMarker = "#retry-"

// Host returns the lowercase hostname of raw with any port and leading "www."
// removed.
func Host(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("parse url: empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", fmt.Errorf("parse url %q: %w", raw, ErrNoHost)
	}
	return host, nil
}

// Resolve returns the job identity domain for urls. A single distinct host is
// used as is. Several hosts under one registrable domain (docs.x.com and
// api.x.com) collapse to that registrable domain. Otherwise the first host wins.
func Resolve(urls []string) (string, error) {
	var hosts []string
	seen := make(map[string]struct{})
	for _, raw := range urls {
		host, err := Host(raw)
		if err != nil {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	switch len(hosts) {
	case 0:
		return "", ErrNoHost
	case 1:
		return hosts[0], nil
	}
	registrable := ""
	for _, host := range hosts {
		etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			return hosts[0], nil
		}
		if registrable == "" {
			registrable = etld1
			continue
		}
		if etld1 != registrable {
			return hosts[0], nil
		}
	}
	return registrable, nil
}

// ForRetry derives the identity of a retry job spawned from parentID so it
// never collides with the parent's own domain row.
func ForRetry(parentID, domain string) string {
	return domain + retryMarker + parentID
}

// IsRetry reports whether d was produced by ForRetry.
func IsRetry(d string) bool {
	return strings.Contains(d, retryMarker)
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Docs.Example.com/path", "docs.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(pagesTotal.WithLabelValues("metrics-test.example.com", PageSkipped))
	ObservePage("https://metrics-test.example.com/a", PageSkipped)
	require.InDelta(t, before+1, testutil.ToFloat64(pagesTotal.WithLabelValues("metrics-test.example.com", PageSkipped)), 0.001)

	snippetsBefore := testutil.ToFloat64(snippetsTotal)
	ObserveSnippets(3)
	ObserveSnippets(0)
	require.InDelta(t, snippetsBefore+3, testutil.ToFloat64(snippetsTotal), 0.001)

	gauge := testutil.ToFloat64(activeCrawls)
	IncActiveCrawls()
	require.InDelta(t, gauge+1, testutil.ToFloat64(activeCrawls), 0.001)
	DecActiveCrawls()
	require.InDelta(t, gauge, testutil.ToFloat64(activeCrawls), 0.001)

	ObserveExtraction("ok", 250*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(extractionDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://docs.example.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

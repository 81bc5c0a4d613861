package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codedox/internal/crawler"
)

func TestNeedsRenderingEmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.NeedsRendering(crawler.PageSnapshot{StatusCode: 200}))
}

func TestNeedsRenderingEmptyMarkdown(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	page := crawler.PageSnapshot{
		StatusCode: 200,
		Body:       []byte(`<html><body><div class="shell"></div></body></html>`),
	}
	require.True(t, h.NeedsRendering(page))
}

func TestNeedsRenderingSPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	page := crawler.PageSnapshot{
		StatusCode: 200,
		Body:       []byte(`<html><body><noscript>Enable JavaScript</noscript><div id="__next"></div></body></html>`),
		Markdown:   "Enable JavaScript",
	}
	require.True(t, h.NeedsRendering(page))
}

func TestNeedsRenderingScriptHeavyShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	page := crawler.PageSnapshot{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;var b=2;</script><p>t</p></html>`),
		Markdown:   "t",
	}
	require.True(t, h.NeedsRendering(page))
}

func TestNeedsRenderingKeepsShortStaticPages(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	page := crawler.PageSnapshot{
		StatusCode: 200,
		Body:       []byte(`<html><body><main><p>Moved to the new guide.</p></main></body></html>`),
		Markdown:   "Moved to the new guide.",
	}
	require.False(t, h.NeedsRendering(page))
}

func TestNeedsRenderingSkipsPagesWithContent(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(50)
	page := crawler.PageSnapshot{
		StatusCode: 200,
		Body:       []byte(`<div id="root"><script>hydrate()</script></div>`),
		Markdown:   strings.Repeat("content ", 10),
	}
	require.False(t, h.NeedsRendering(page))
}

func TestNeedsRenderingDisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	page := crawler.PageSnapshot{StatusCode: 404, Body: []byte("not found")}
	require.False(t, h.NeedsRendering(page))
}

func TestNewHeuristicDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultMinMarkdownChars, NewHeuristic(0).MinMarkdownChars)
	require.Equal(t, 10, NewHeuristic(10).MinMarkdownChars)
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		min  int
		max  int
	}{
		{name: "no scripts", body: `<p>plain text only</p>`, min: 0, max: 0},
		{name: "mostly script", body: `<script>` + strings.Repeat("x", 90) + `</script><p>a</p>`, min: 80, max: 100},
		{name: "unclosed script", body: `<p>a</p><script>` + strings.Repeat("x", 40), min: 80, max: 100},
		{name: "empty", body: ``, min: 0, max: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := scriptShare([]byte(tc.body))
			require.GreaterOrEqual(t, got, tc.min)
			require.LessOrEqual(t, got, tc.max)
		})
	}
}

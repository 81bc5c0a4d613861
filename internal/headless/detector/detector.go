// Package detector decides when a statically fetched page has to be rendered
// in a headless browser before its content can be converted.
package detector

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/JakeFAU/codedox/internal/crawler"
)

const (
	defaultMinMarkdownChars = 200
	// scriptShareThreshold is the percentage of the document inside <script>
	// elements above which a thin page is treated as a client-side app.
	scriptShareThreshold = 25
)

// Markers left in the server response by client-rendered frameworks.
var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="___gatsby"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

// Heuristic flags pages whose converted markdown is too thin to be the real
// content and whose HTML looks like a client-side application shell.
type Heuristic struct {
	MinMarkdownChars int
}

// NewHeuristic builds a detector. minMarkdownChars <= 0 selects the default.
func NewHeuristic(minMarkdownChars int) *Heuristic {
	if minMarkdownChars <= 0 {
		minMarkdownChars = defaultMinMarkdownChars
	}
	return &Heuristic{MinMarkdownChars: minMarkdownChars}
}

// NeedsRendering implements crawler.RenderDetector.
func (h *Heuristic) NeedsRendering(page crawler.PageSnapshot) bool {
	if page.StatusCode != 0 && page.StatusCode != 200 {
		return false
	}
	markdown := strings.TrimSpace(page.Markdown)
	if utf8.RuneCountInString(markdown) >= h.MinMarkdownChars {
		return false
	}
	if len(page.Body) == 0 || markdown == "" {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(page.Body, marker) {
			return true
		}
	}
	return scriptShare(page.Body) >= scriptShareThreshold
}

// scriptShare returns the percentage of body bytes that belong to <script>
// elements, tags included.
func scriptShare(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	z := html.NewTokenizer(bytes.NewReader(body))
	inScript := 0
	covered := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return 0
			}
			break
		}
		name, _ := z.TagName()
		isScript := string(name) == "script"
		switch {
		case tt == html.StartTagToken && isScript:
			inScript++
			covered += len(z.Raw())
		case tt == html.EndTagToken && isScript && inScript > 0:
			inScript--
			covered += len(z.Raw())
		case inScript > 0:
			covered += len(z.Raw())
		}
	}
	return covered * 100 / len(body)
}

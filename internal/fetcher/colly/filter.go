package collyfetcher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// urlFilter applies include and exclude glob patterns to discovered links.
// An empty include list admits every URL.
type urlFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

func newURLFilter(include, exclude []string) (*urlFilter, error) {
	f := &urlFilter{}
	var err error
	if f.include, err = compileGlobs(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileGlobs(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile url pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Allow reports whether rawURL passes the filter.
func (f *urlFilter) Allow(rawURL string) bool {
	for _, g := range f.exclude {
		if g.Match(rawURL) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

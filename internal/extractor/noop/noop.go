// Package noop provides a CodeExtractor that finds nothing. It lets the
// service crawl and archive documentation without an extraction backend.
package noop

import (
	"context"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// Extractor implements crawler.CodeExtractor and always returns an empty result.
type Extractor struct{}

// New creates a new Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract returns no code blocks.
func (Extractor) Extract(context.Context, crawler.ExtractionRequest) (crawler.ExtractionResult, error) {
	return crawler.ExtractionResult{}, nil
}

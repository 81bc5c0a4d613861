// Package dedup decides whether a fetched page changed since it was last
// extracted.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// DocumentLookup is the read surface the cache needs.
type DocumentLookup interface {
	GetDocumentByURL(ctx context.Context, url string) (crawler.Document, error)
	CountSnippets(ctx context.Context, documentID int64) (int, error)
}

// Cache answers content-hash checks against persisted documents.
type Cache struct {
	docs DocumentLookup
}

// NewCache wires a Cache.
func NewCache(docs DocumentLookup) *Cache {
	return &Cache{docs: docs}
}

// CheckContentHash reports whether a document for exactly this URL exists
// with the same content hash, and if so how many snippets it already has.
func (c *Cache) CheckContentHash(ctx context.Context, url, hash string) (bool, int, error) {
	if hash == "" {
		return false, 0, nil
	}
	doc, err := c.docs.GetDocumentByURL(ctx, url)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("lookup document %s: %w", url, err)
	}
	if doc.ContentHash != hash {
		return false, 0, nil
	}
	count, err := c.docs.CountSnippets(ctx, doc.ID)
	if err != nil {
		return false, 0, fmt.Errorf("count snippets for document %d: %w", doc.ID, err)
	}
	return true, count, nil
}

package memory

import (
	"context"
	"fmt"
	"maps"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// WithinTx holds the write lock for the whole of fn and restores the document
// and snippet tables if fn fails. fn must only use tx; calling other Store
// methods from inside fn deadlocks.
func (s *Store) WithinTx(ctx context.Context, _ string, fn func(ctx context.Context, tx crawler.DocumentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		docs:      maps.Clone(s.docs),
		docByURL:  maps.Clone(s.docByURL),
		snippets:  maps.Clone(s.snippets),
		nextDocID: s.nextDocID,
		nextSnpID: s.nextSnpID,
	}
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.docs = snap.docs
		s.docByURL = snap.docByURL
		s.snippets = snap.snippets
		s.nextDocID = snap.nextDocID
		s.nextSnpID = snap.nextSnpID
		return err
	}
	return nil
}

type snapshot struct {
	docs      map[int64]crawler.Document
	docByURL  map[string]int64
	snippets  map[int64]crawler.CodeSnippet
	nextDocID int64
	nextSnpID int64
}

type memTx struct {
	s *Store
}

func (t *memTx) UpsertDocument(_ context.Context, doc crawler.Document) (int64, error) {
	if (doc.CrawlJobID == "") == (doc.UploadJobID == "") {
		return 0, fmt.Errorf("upsert document %s: exactly one owning job required", doc.URL)
	}
	if id, ok := t.s.docByURL[doc.URL]; ok {
		doc.ID = id
		t.s.docs[id] = doc
		return id, nil
	}
	t.s.nextDocID++
	doc.ID = t.s.nextDocID
	t.s.docs[doc.ID] = doc
	t.s.docByURL[doc.URL] = doc.ID
	return doc.ID, nil
}

func (t *memTx) DeleteSnippets(_ context.Context, documentID int64) error {
	t.s.deleteSnippetsLocked(documentID)
	return nil
}

func (t *memTx) FindSnippetByHash(_ context.Context, jobID, codeHash string) (crawler.CodeSnippet, error) {
	var found *crawler.CodeSnippet
	for _, snippet := range t.s.snippets {
		if snippet.CodeHash != codeHash {
			continue
		}
		doc, ok := t.s.docs[snippet.DocumentID]
		if !ok || doc.OwnerJobID() != jobID {
			continue
		}
		if found == nil || snippet.ID < found.ID {
			candidate := snippet
			found = &candidate
		}
	}
	if found == nil {
		return crawler.CodeSnippet{}, fmt.Errorf("find snippet %s: %w", codeHash, crawler.ErrNotFound)
	}
	return cloneSnippet(*found), nil
}

func (t *memTx) InsertSnippet(_ context.Context, snippet crawler.CodeSnippet) (int64, error) {
	if _, ok := t.s.docs[snippet.DocumentID]; !ok {
		return 0, fmt.Errorf("insert snippet for document %d: %w", snippet.DocumentID, crawler.ErrNotFound)
	}
	now := t.s.now()
	t.s.nextSnpID++
	snippet.ID = t.s.nextSnpID
	snippet.CreatedAt = now
	snippet.UpdatedAt = now
	t.s.snippets[snippet.ID] = cloneSnippet(snippet)
	return snippet.ID, nil
}

func (t *memTx) UpdateSnippet(_ context.Context, snippet crawler.CodeSnippet) error {
	current, ok := t.s.snippets[snippet.ID]
	if !ok {
		return fmt.Errorf("update snippet %d: %w", snippet.ID, crawler.ErrNotFound)
	}
	snippet.DocumentID = current.DocumentID
	snippet.CreatedAt = current.CreatedAt
	snippet.UpdatedAt = t.s.now()
	t.s.snippets[snippet.ID] = cloneSnippet(snippet)
	return nil
}

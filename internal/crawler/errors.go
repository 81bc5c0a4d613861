package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job, document or snippet does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness rule or a
	// guarded update no longer applies to the current row.
	ErrConflict = errors.New("conflict")
	// ErrJobCancelled signals that the job was cancelled while work was in flight.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrExtractionFatal marks credential or quota failures of the extraction service.
	ErrExtractionFatal = errors.New("extraction service unavailable")
	// ErrInvalidTransition is returned for a disallowed job status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PageError is a failure scoped to a single URL. The job continues.
type PageError struct {
	URL string
	Err error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %s: %v", e.URL, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// NewPageError wraps err for url.
func NewPageError(url string, err error) error {
	return &PageError{URL: url, Err: err}
}

// IsCancellation reports whether err stems from a job cancellation or a
// cancelled context.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrJobCancelled) || errors.Is(err, context.Canceled)
}

// IsPageError reports whether err is scoped to a single page.
func IsPageError(err error) bool {
	var pe *PageError
	return errors.As(err, &pe)
}

package crawler

import (
	"errors"
	"time"
)

// Notification is the payload pushed to observers of a job.
type Notification struct {
	JobID             string         `json:"job_id"`
	Status            JobStatus      `json:"status"`
	Phase             CrawlPhase     `json:"crawl_phase,omitempty"`
	TS                time.Time      `json:"ts"`
	Message           string         `json:"message,omitempty"`
	Error             string         `json:"error,omitempty"`
	ProcessedPages    int            `json:"processed_pages"`
	TotalPages        int            `json:"total_pages"`
	DocumentsCrawled  int            `json:"documents_crawled"`
	SnippetsExtracted int            `json:"snippets_extracted"`
	PercentComplete   int            `json:"percent_complete"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Validate performs coarse validation on notification payloads.
func (n Notification) Validate() error {
	if n.JobID == "" {
		return errors.New("job id is required")
	}
	if n.Status == "" {
		return errors.New("status is required")
	}
	if n.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

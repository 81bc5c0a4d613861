// Package progress reports crawl job progress. The Hub batches job
// notifications on a background goroutine and fans them out to pluggable
// sinks without ever blocking the crawl. The Tracker keeps one heartbeat loop
// per running job and turns persisted counters into throttled notifications.
package progress

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/config"
	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/orchestrator"
	"github.com/JakeFAU/codedox/internal/server"
)

// Dependencies are bound into every command's Run method.
type Dependencies struct {
	Ctx    context.Context
	Stdout io.Writer
	Stderr io.Writer
	App    *server.App
	Config config.Config
	Logger *zap.Logger
}

// CLI is the command-line grammar.
type CLI struct {
	Config string `short:"c" type:"path" env:"CODEDOX_CONFIG" help:"Path to a YAML config file"`

	Serve  ServeCmd  `cmd:"" default:"1" help:"Run the ops HTTP server (default)"`
	Crawl  CrawlCmd  `cmd:"" help:"Crawl a documentation site and wait for it to finish"`
	Resume ResumeCmd `cmd:"" help:"Resume a failed or stalled job"`
	Retry  RetryCmd  `cmd:"" help:"Retry only the failed pages of a job"`
	Status StatusCmd `cmd:"" help:"Print a job snapshot as JSON"`
}

// ServeCmd is the "serve" subcommand.
type ServeCmd struct{}

// Run blocks until the process is signalled.
func (c *ServeCmd) Run(deps *Dependencies) error {
	return deps.App.Serve(deps.Ctx)
}

// CrawlCmd is the "crawl" subcommand.
type CrawlCmd struct {
	URLs        []string `arg:"" name:"url" help:"Start URLs"`
	Name        string   `short:"n" help:"Display name for the job"`
	Depth       int      `short:"d" default:"-1" help:"Maximum link depth; negative uses crawler.max_depth_default"`
	MaxPages    int      `short:"m" help:"Stop after this many pages; zero uses crawler.max_pages_default"`
	Domain      []string `help:"Restrict crawling to these domains (repeatable)"`
	Include     []string `short:"i" help:"Glob a followed link must match (repeatable)"`
	Exclude     []string `short:"x" help:"Glob that excludes a followed link (repeatable)"`
	Concurrency int      `help:"Extraction workers for this crawl; zero uses crawler.workers"`
}

// Run starts the crawl and waits for it. An interrupt cancels the job.
func (c *CrawlCmd) Run(deps *Dependencies) error {
	depth := c.Depth
	if depth < 0 {
		depth = deps.Config.Crawler.MaxDepthDefault
	}
	maxPages := c.MaxPages
	if maxPages <= 0 {
		maxPages = deps.Config.Crawler.MaxPagesDefault
	}
	jobID, err := deps.App.Manager().StartCrawl(deps.Ctx, orchestrator.CrawlConfig{
		Name:                c.Name,
		StartURLs:           c.URLs,
		MaxDepth:            depth,
		MaxPages:            maxPages,
		DomainRestrictions:  c.Domain,
		IncludePatterns:     c.Include,
		ExcludePatterns:     c.Exclude,
		MaxConcurrentCrawls: c.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	fmt.Fprintf(deps.Stderr, "Crawling job %s\n", jobID)
	return waitAndReport(deps, jobID)
}

// ResumeCmd is the "resume" subcommand.
type ResumeCmd struct {
	JobID string `arg:"" name:"job-id" help:"Job to resume"`
}

// Run resumes the job and waits for every execution it started. A job with
// failed pages resumes through a separate retry job.
func (c *ResumeCmd) Run(deps *Dependencies) error {
	m := deps.App.Manager()
	resumed, err := m.ResumeJob(deps.Ctx, c.JobID)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	if !resumed {
		return fmt.Errorf("job %s was not resumed: it is missing or still active", c.JobID)
	}
	if _, relaunched := m.Task(c.JobID); relaunched {
		return waitAndReport(deps, c.JobID)
	}
	for _, id := range m.ActiveJobs() {
		if err := waitAndReport(deps, id); err != nil {
			return err
		}
	}
	return nil
}

// RetryCmd is the "retry" subcommand.
type RetryCmd struct {
	JobID string `arg:"" name:"job-id" help:"Job whose failed pages are retried"`
}

// Run starts a retry job and waits for it.
func (c *RetryCmd) Run(deps *Dependencies) error {
	retryID, err := deps.App.Manager().RetryFailedPages(deps.Ctx, c.JobID)
	if err != nil {
		return fmt.Errorf("retry failed pages: %w", err)
	}
	if retryID == "" {
		fmt.Fprintf(deps.Stderr, "Job %s has no failed pages\n", c.JobID)
		return nil
	}
	fmt.Fprintf(deps.Stderr, "Retrying in job %s\n", retryID)
	return waitAndReport(deps, retryID)
}

// StatusCmd is the "status" subcommand.
type StatusCmd struct {
	JobID string `arg:"" name:"job-id" help:"Job to inspect"`
}

// Run prints the job snapshot.
func (c *StatusCmd) Run(deps *Dependencies) error {
	job, err := deps.App.Manager().GetJobStatus(deps.Ctx, c.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", c.JobID)
	}
	return printJob(deps.Stdout, job)
}

func waitAndReport(deps *Dependencies, jobID string) error {
	m := deps.App.Manager()
	if err := m.Wait(deps.Ctx, jobID); err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		deps.Logger.Info("interrupted, cancelling job", zap.String("job_id", jobID))
		if _, cancelErr := m.CancelJob(context.WithoutCancel(deps.Ctx), jobID); cancelErr != nil {
			return fmt.Errorf("cancel job: %w", cancelErr)
		}
	}
	job, err := m.GetJobStatus(context.WithoutCancel(deps.Ctx), jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s disappeared", jobID)
	}
	if err := printJob(deps.Stdout, job); err != nil {
		return err
	}
	if job.Status == crawler.JobStatusFailed {
		return fmt.Errorf("job %s failed: %s", jobID, job.ErrorMessage)
	}
	return nil
}

func printJob(w io.Writer, job *crawler.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return nil
}

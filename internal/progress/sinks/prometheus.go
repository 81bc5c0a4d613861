package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// PrometheusSink exports notification-derived metrics: notifications per
// status, jobs currently reporting as running and jobs finished per status.
type PrometheusSink struct {
	notifications *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	pagesReported prometheus.Gauge

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codedox_notifications_total",
			Help: "Job notifications delivered to sinks, partitioned by job status.",
		}, []string{"status"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codedox_notified_jobs_finished_total",
			Help: "Jobs whose terminal notification was observed, partitioned by status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codedox_notified_jobs_running",
			Help: "Jobs that reported running and have not reported a terminal status yet.",
		}),
		pagesReported: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codedox_notified_pages_processed",
			Help: "Sum of processed_pages across running jobs as last reported.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.notifications,
		s.jobsFinished,
		s.jobsRunning,
		s.pagesReported,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register notification collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.Notification) error {
	for _, n := range batch {
		s.notifications.WithLabelValues(string(n.Status)).Inc()
		switch {
		case n.Status == crawler.JobStatusRunning:
			started, delta := s.tracker.report(n.JobID, n.ProcessedPages)
			if started {
				s.jobsRunning.Inc()
			}
			s.pagesReported.Add(float64(delta))
		case n.Status.IsTerminal():
			if pages, ok := s.tracker.complete(n.JobID); ok {
				s.jobsRunning.Dec()
				s.pagesReported.Sub(float64(pages))
			}
			s.jobsFinished.WithLabelValues(string(n.Status)).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]int
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]int)}
}

// report records the latest processed count and returns whether the job is
// new plus the change since its previous report.
func (t *jobTracker) report(id string, processed int) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.running[id]
	t.running[id] = processed
	return !ok, processed - prev
}

func (t *jobTracker) complete(id string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pages, ok := t.running[id]
	if !ok {
		return 0, false
	}
	delete(t.running, id)
	return pages, true
}

package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-insight-crawler/internal/progress"
)

// PrometheusSink exports job lifecycle and page outcome metrics derived from
// progress events.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	stateEntered  *prometheus.CounterVec

	pageEvents   *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec
	analysesDone prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siteinsight_progress_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteinsight_progress_jobs_completed_total",
			Help: "Total jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siteinsight_progress_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteinsight_progress_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		stateEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteinsight_progress_state_transitions_total",
			Help: "Job state transitions partitioned by the state entered.",
		}, []string{"state"}),
		pageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteinsight_progress_pages_total",
			Help: "Page completions partitioned by outcome and source.",
		}, []string{"outcome", "source"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteinsight_progress_page_duration_seconds",
			Help:    "Page fetch duration partitioned by outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),
		analysesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siteinsight_progress_analysis_phases_total",
			Help: "Completed analysis phases.",
		}),
		tracker: newJobTracker(),
	}
	collectors := []prometheus.Collector{
		s.jobsStarted, s.jobsCompleted, s.jobsRunning, s.jobRuntime,
		s.stateEntered, s.pageEvents, s.pageDuration, s.analysesDone,
	}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			// Leave the registry as it was so a retry can succeed.
			for _, done := range collectors[:i] {
				reg.Unregister(done)
			}
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume folds a batch into the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
		s.handleJobEvent(evt)
	case progress.StageJobState:
		s.stateEntered.WithLabelValues(evt.State).Inc()
	case progress.StagePageDone:
		s.handlePageEvent(evt)
	case progress.StageAnalysisDone:
		s.analysesDone.Inc()
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	if evt.Stage == progress.StageJobStart {
		s.jobsStarted.Inc()
		if s.tracker.begin(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	}
	result := "success"
	if evt.Stage == progress.StageJobError {
		result = "error"
	}
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	// A job restored after a restart may finish without a start event.
	if s.tracker.end(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	source := "network"
	if evt.FromCache {
		source = "cache"
	}
	s.pageEvents.WithLabelValues(evt.Outcome, source).Inc()
	if evt.Dur > 0 && !evt.FromCache {
		s.pageDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
	}
}

// Close is a no-op; the collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker keeps the running gauge balanced when start or finish events
// repeat.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

// begin reports whether id was not already running.
func (t *jobTracker) begin(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, seen := t.running[id]
	t.running[id] = struct{}{}
	return !seen
}

// end reports whether id was running.
func (t *jobTracker) end(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, seen := t.running[id]
	delete(t.running, id)
	return seen
}

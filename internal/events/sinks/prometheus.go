package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/timetable-refresher/internal/events"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

// PrometheusSink exports job and batch lifecycle metrics.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	fallbacks     *prometheus.CounterVec

	batchesCompleted prometheus.Counter
	batchRuntime     prometheus.Histogram
	batchSkipped     prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresher_jobs_started_total",
			Help: "Total job executions started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refresher_jobs_completed_total",
			Help: "Total job executions completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refresher_jobs_running",
			Help: "Current number of running job executions.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refresher_job_runtime_seconds",
			Help:    "Wall time per completed job execution.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refresher_fallback_results_total",
			Help: "Results produced by the fallback chain partitioned by strategy and quality.",
		}, []string{"strategy", "quality"}),
		batchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresher_batches_completed_total",
			Help: "Total RunAll invocations completed.",
		}),
		batchRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refresher_batch_runtime_seconds",
			Help:    "Wall time per RunAll invocation.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		batchSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresher_batch_skipped_jobs_total",
			Help: "Jobs skipped by RunAll because they were running or freshly cached.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.fallbacks,
		s.batchesCompleted,
		s.batchRuntime,
		s.batchSkipped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch e := evt.(type) {
		case events.JobStarted:
			s.jobsStarted.Inc()
			if s.tracker.start(e.JobID) {
				s.jobsRunning.Inc()
			}
		case events.JobCompleted:
			s.finish(e.JobID, "success", e.Duration.Seconds())
			if e.Fallback != nil {
				s.fallbacks.WithLabelValues(e.Fallback.Strategy, string(e.Fallback.Quality)).Inc()
			}
		case events.JobFailed:
			s.finish(e.JobID, "error", e.Duration.Seconds())
		case events.BatchCompleted:
			s.batchesCompleted.Inc()
			s.batchRuntime.Observe(e.Duration.Seconds())
			if e.Skipped > 0 {
				s.batchSkipped.Add(float64(e.Skipped))
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finish(id source.JobID, result string, seconds float64) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if seconds > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(seconds)
	}
	if s.tracker.complete(id) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[source.JobID]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[source.JobID]struct{})}
}

func (t *jobTracker) start(id source.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id source.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

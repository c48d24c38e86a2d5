// Package scheduler runs every registered job in adaptive, sequential
// batches and reports on the outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/timetable-refresher/internal/events"
	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

// ErrBatchRunning is returned when RunAll is called while another RunAll is
// still in progress.
var ErrBatchRunning = errors.New("batch already running")

// NoPause as Config.BatchPause starts the next batch immediately.
const NoPause time.Duration = -1

const (
	defaultMinBatch       = 2
	defaultMaxBatch       = 8
	defaultBatchPause     = 2 * time.Second
	defaultSkipWindow     = time.Minute
	defaultJoinTimeout    = 2 * time.Minute
	defaultHighPressure   = 0.85
	defaultMediumPressure = 0.6
	unknownLocation       = "unknown"
)

// Config tunes batching. Zero values take the defaults.
type Config struct {
	MinBatch   int
	MaxBatch int
	// BatchPause is the wait between batches. Any negative value, such as
	// NoPause, disables it.
	BatchPause time.Duration
	// SkipWindow skips jobs whose cached result is younger than this.
	SkipWindow time.Duration
	// JoinTimeout bounds the final wait for outstanding work.
	JoinTimeout    time.Duration
	HighPressure   float64
	MediumPressure float64
}

// Registry resolves job descriptors; *source.Registry satisfies it.
type Registry interface {
	IDs() []source.JobID
	Get(id source.JobID) (source.Descriptor, error)
}

// Queue executes jobs; *jobqueue.Queue satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, desc source.Descriptor) (source.Result, error)
	IsInFlight(id source.JobID) bool
	CachedAt(id source.JobID) (time.Time, bool)
	WaitForAll(ctx context.Context) error
}

// BatchRecorder receives finished reports; *monitor.Monitor satisfies it.
type BatchRecorder interface {
	RecordBatch(report monitor.Report)
}

// ResultSink persists or forwards a finished batch report.
type ResultSink interface {
	HandleReport(ctx context.Context, report monitor.Report) error
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Registry  Registry
	Queue     Queue
	Recorder  BatchRecorder
	Publisher events.Publisher
	Probe     MemoryProbe
	Sinks     []ResultSink
	Clock     source.Clock
	Logger    *zap.Logger
}

// Scheduler runs jobs in batches.
type Scheduler struct {
	cfg       Config
	registry  Registry
	queue     Queue
	recorder  BatchRecorder
	publisher events.Publisher
	probe     MemoryProbe
	sinks     []ResultSink
	clock     source.Clock
	logger    *zap.Logger

	running atomic.Bool
}

// New builds a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("scheduler: queue is required")
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = defaultMinBatch
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatch < cfg.MinBatch {
		return nil, fmt.Errorf("scheduler: max batch %d below min batch %d", cfg.MaxBatch, cfg.MinBatch)
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	} else if cfg.BatchPause == 0 {
		cfg.BatchPause = defaultBatchPause
	}
	if cfg.SkipWindow <= 0 {
		cfg.SkipWindow = defaultSkipWindow
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.HighPressure <= 0 {
		cfg.HighPressure = defaultHighPressure
	}
	if cfg.MediumPressure <= 0 {
		cfg.MediumPressure = defaultMediumPressure
	}
	probe := deps.Probe
	if probe == nil {
		probe = RuntimeProbe{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = source.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		registry:  deps.Registry,
		queue:     deps.Queue,
		recorder:  deps.Recorder,
		publisher: deps.Publisher,
		probe:     probe,
		sinks:     deps.Sinks,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Running reports whether a RunAll is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// BatchSize returns the batch size RunAll would use right now.
func (s *Scheduler) BatchSize() int {
	pressure, err := s.probe.Pressure()
	if err != nil {
		s.logger.Warn("memory probe failed, using minimum batch size", zap.Error(err))
		return s.cfg.MinBatch
	}
	switch {
	case pressure >= s.cfg.HighPressure:
		return s.cfg.MinBatch
	case pressure >= s.cfg.MediumPressure:
		mid := (s.cfg.MinBatch + s.cfg.MaxBatch) / 2
		if mid < s.cfg.MinBatch {
			mid = s.cfg.MinBatch
		}
		return mid
	default:
		return s.cfg.MaxBatch
	}
}

// RunOne runs a single job through the queue.
func (s *Scheduler) RunOne(ctx context.Context, id source.JobID) (source.Result, error) {
	desc, err := s.registry.Get(id)
	if err != nil {
		return source.Result{}, err
	}
	return s.queue.Enqueue(ctx, desc)
}

// RunAll runs every registered job that is neither running nor freshly
// cached, in sequential batches. It returns once every job and every
// pending page release has finished, or the join timeout elapsed.
func (s *Scheduler) RunAll(ctx context.Context) (monitor.Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return monitor.Report{}, ErrBatchRunning
	}
	defer s.running.Store(false)

	start := s.clock.Now()
	report := monitor.Report{
		RunID:             newRunID(),
		StartTime:         start,
		Successes:         []monitor.JobSuccess{},
		Errors:            []monitor.JobFailure{},
		PerLocation:       map[string]monitor.LocationStats{},
		FallbackBreakdown: map[string]int{},
	}
	logger := s.logger.With(zap.String("run_id", report.RunID))

	jobs := s.selectJobs(&report, start, logger)
	report.TotalJobs = len(jobs) + report.Skipped
	report.BatchSize = s.BatchSize()
	batches := chunk(jobs, report.BatchSize)
	report.Batches = len(batches)

	s.publish(events.BatchStarted{At: start, RunID: report.RunID, TotalJobs: report.TotalJobs, BatchSize: report.BatchSize})
	logger.Info("batch run started",
		zap.Int("jobs", len(jobs)),
		zap.Int("skipped", report.Skipped),
		zap.Int("batch_size", report.BatchSize),
		zap.Int("batches", len(batches)),
	)

	var runErr error
	completed := 0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("batch run interrupted: %w", err)
			for _, rest := range batches[i:] {
				for _, desc := range rest {
					s.recordFailure(&report, desc, err)
				}
			}
			break
		}
		s.runBatch(ctx, batch, &report)
		completed += len(batch)
		s.publish(events.BatchProgress{
			At: s.clock.Now(), RunID: report.RunID, Batch: i + 1, Batches: len(batches),
			Completed: completed, Total: len(jobs),
		})
		if i < len(batches)-1 {
			if err := pause(ctx, s.cfg.BatchPause); err != nil {
				logger.Warn("batch pause interrupted", zap.Error(err))
			}
		}
	}

	joinCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.JoinTimeout)
	if err := s.queue.WaitForAll(joinCtx); err != nil {
		logger.Warn("outstanding work did not finish", zap.Error(err))
	}
	cancel()

	report.Duration = s.clock.Now().Sub(start)
	s.publish(events.BatchCompleted{
		At: s.clock.Now(), RunID: report.RunID, Duration: report.Duration,
		Successes: len(report.Successes), Failures: len(report.Errors), Skipped: report.Skipped,
	})
	if s.recorder != nil {
		s.recorder.RecordBatch(report)
	}
	s.deliver(context.WithoutCancel(ctx), report, logger)
	logger.Info("batch run finished",
		zap.Int("successes", len(report.Successes)),
		zap.Int("failures", len(report.Errors)),
		zap.Duration("dur", report.Duration),
	)
	return report, runErr
}

func (s *Scheduler) selectJobs(report *monitor.Report, now time.Time, logger *zap.Logger) []source.Descriptor {
	var jobs []source.Descriptor
	for _, id := range s.registry.IDs() {
		desc, err := s.registry.Get(id)
		if err != nil {
			logger.Warn("registry entry vanished", zap.Stringer("job_id", id), zap.Error(err))
			continue
		}
		if s.queue.IsInFlight(id) {
			s.skip(report, id)
			continue
		}
		if at, ok := s.queue.CachedAt(id); ok && now.Sub(at) < s.cfg.SkipWindow {
			s.skip(report, id)
			continue
		}
		jobs = append(jobs, desc)
	}
	return jobs
}

func (s *Scheduler) skip(report *monitor.Report, id source.JobID) {
	report.Skipped++
	report.SkippedIDs = append(report.SkippedIDs, id)
}

// runBatch returns only after every job in the batch has settled.
func (s *Scheduler) runBatch(ctx context.Context, batch []source.Descriptor, report *monitor.Report) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, desc := range batch {
		g.Go(func() error {
			res, err := s.queue.Enqueue(ctx, desc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.recordFailure(report, desc, err)
				return nil
			}
			s.recordSuccess(report, desc, res)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) recordSuccess(report *monitor.Report, desc source.Descriptor, res source.Result) {
	report.Successes = append(report.Successes, monitor.JobSuccess{
		JobID: desc.ID, SourceName: desc.DisplayName, Location: desc.Location, Result: res,
	})
	loc := locationKey(desc.Location)
	st := report.PerLocation[loc]
	st.Total++
	st.Successes++
	if res.Fallback != nil {
		st.Fallbacks++
		report.FallbackBreakdown[res.Fallback.Strategy]++
	}
	report.PerLocation[loc] = st
}

func (s *Scheduler) recordFailure(report *monitor.Report, desc source.Descriptor, err error) {
	report.Errors = append(report.Errors, monitor.JobFailure{
		JobID: desc.ID, SourceName: desc.DisplayName, Location: desc.Location, Error: err.Error(),
	})
	loc := locationKey(desc.Location)
	st := report.PerLocation[loc]
	st.Total++
	st.Failures++
	report.PerLocation[loc] = st
}

func (s *Scheduler) deliver(ctx context.Context, report monitor.Report, logger *zap.Logger) {
	for _, sink := range s.sinks {
		if sink == nil {
			continue
		}
		if err := sink.HandleReport(ctx, report); err != nil {
			logger.Warn("result sink failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}

func (s *Scheduler) publish(evt events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(evt)
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func locationKey(loc string) string {
	if loc == "" {
		return unknownLocation
	}
	return loc
}

func chunk(jobs []source.Descriptor, size int) [][]source.Descriptor {
	if size <= 0 {
		size = 1
	}
	var out [][]source.Descriptor
	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		out = append(out, jobs[start:end])
	}
	return out
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

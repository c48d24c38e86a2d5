package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/timetable-refresher/internal/events"
	"github.com/JakeFAU/timetable-refresher/internal/fallback"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

const (
	defaultMaxRetries     = 3
	defaultAttemptTimeout = 30 * time.Second
	defaultBackoffBase    = 2 * time.Second
	defaultCacheTTL       = 5 * time.Minute
)

// NoBackoff as Config.BackoffBase retries immediately.
const NoBackoff time.Duration = -1

// ErrNoFallback is returned inside a JobError when the queue has no fallback
// chain or the job has no page to point it at.
var ErrNoFallback = errors.New("fallback unavailable")

// JobError is the terminal error for a job whose attempts and fallback chain
// both failed.
type JobError struct {
	JobID      source.JobID
	SourceName string
	Attempts   int
	// Last is the error from the final extraction attempt.
	Last error
	// Fallback is the error from the fallback chain.
	Fallback error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s) failed after %d attempts: %v; fallback: %v",
		e.JobID, e.SourceName, e.Attempts, e.Last, e.Fallback)
}

// Unwrap exposes both underlying errors to errors.Is and errors.As.
func (e *JobError) Unwrap() []error {
	var errs []error
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// Runner is the fallback chain.
type Runner interface {
	Run(ctx context.Context, target fallback.Target) (source.Extraction, source.FallbackInfo, error)
}

// Recorder receives execution outcomes; *monitor.Monitor satisfies it.
type Recorder interface {
	StartExecution(id source.JobID)
	RecordRetry(id source.JobID, attempt int, err error)
	RecordSuccess(id source.JobID, dur time.Duration, fb *source.FallbackInfo)
	RecordFailure(id source.JobID, dur time.Duration, err error)
}

// Config tunes retries and caching. Zero values take the defaults.
type Config struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	// BackoffBase is multiplied by the attempt number between retries. Any
	// negative value, such as NoBackoff, disables the wait.
	BackoffBase time.Duration
	CacheTTL       time.Duration
	// DisableCache turns off result caching entirely.
	DisableCache bool
}

// Deps are the collaborators of a Queue. Recorder, Publisher, Clock and
// Logger may be nil. A nil Provider or Runner disables the fallback path.
type Deps struct {
	Provider  ResourceProvider
	Runner    Runner
	Recorder  Recorder
	Publisher events.Publisher
	Clock     source.Clock
	Logger    *zap.Logger
}

// Status is a snapshot of the queue.
type Status struct {
	InFlight    int            `json:"in_flight"`
	InFlightIDs []source.JobID `json:"in_flight_ids"`
	Cached      int            `json:"cached"`
	CacheTTL    time.Duration  `json:"cache_ttl"`
	Outstanding int            `json:"outstanding"`
}

// Queue runs jobs with dedup, caching, retries and fallback.
type Queue struct {
	cfg       Config
	provider  ResourceProvider
	runner    Runner
	recorder  Recorder
	publisher events.Publisher
	clock     source.Clock
	logger    *zap.Logger

	group singleflight.Group
	cache *resultCache
	work  tracker

	mu       sync.Mutex
	inFlight map[source.JobID]time.Time
}

// New builds a Queue.
func New(cfg Config, deps Deps) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
	} else if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	ttl := cfg.CacheTTL
	if cfg.DisableCache {
		ttl = 0
	}
	clock := deps.Clock
	if clock == nil {
		clock = source.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Queue{
		cfg:       cfg,
		provider:  deps.Provider,
		runner:    deps.Runner,
		recorder:  recorder,
		publisher: deps.Publisher,
		clock:     clock,
		logger:    logger,
		cache:     newResultCache(ttl, clock),
		inFlight:  make(map[source.JobID]time.Time),
	}
}

// Enqueue returns a result for desc. A fresh cached result is returned
// directly; otherwise concurrent callers for the same job share one
// execution and receive the same result. The shared execution is not
// canceled when an individual caller's ctx ends.
func (q *Queue) Enqueue(ctx context.Context, desc source.Descriptor) (source.Result, error) {
	if res, ok := q.cache.get(desc.ID); ok {
		q.logger.Debug("cache hit", zap.Stringer("job_id", desc.ID))
		return res, nil
	}
	execCtx := context.WithoutCancel(ctx)
	ch := q.group.DoChan(desc.ID.String(), func() (any, error) {
		return q.execute(execCtx, desc)
	})
	select {
	case out := <-ch:
		if out.Err != nil {
			return source.Result{}, out.Err
		}
		return out.Val.(source.Result).Clone(), nil
	case <-ctx.Done():
		return source.Result{}, ctx.Err()
	}
}

// InFlight returns how many jobs are executing.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// IsInFlight reports whether id is executing.
func (q *Queue) IsInFlight(id source.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[id]
	return ok
}

// CachedAt returns when the fresh cached result for id was stored.
func (q *Queue) CachedAt(id source.JobID) (time.Time, bool) {
	return q.cache.storedAt(id)
}

// Invalidate drops the cached result for id.
func (q *Queue) Invalidate(id source.JobID) bool {
	return q.cache.invalidate(id)
}

// WaitForAll blocks until every execution and every pending tab release has
// finished, or ctx ends.
func (q *Queue) WaitForAll(ctx context.Context) error {
	if err := q.work.wait(ctx); err != nil {
		return fmt.Errorf("wait for outstanding jobs: %w", err)
	}
	return nil
}

// Status returns a snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	ids := make([]source.JobID, 0, len(q.inFlight))
	for id := range q.inFlight {
		ids = append(ids, id)
	}
	q.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	q.work.mu.Lock()
	outstanding := q.work.n
	q.work.mu.Unlock()

	return Status{
		InFlight:    len(ids),
		InFlightIDs: ids,
		Cached:      q.cache.len(),
		CacheTTL:    q.cache.ttl,
		Outstanding: outstanding,
	}
}

func (q *Queue) execute(ctx context.Context, desc source.Descriptor) (source.Result, error) {
	q.work.add()
	defer q.work.done()

	start := q.clock.Now()
	q.mu.Lock()
	q.inFlight[desc.ID] = start
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, desc.ID)
		q.mu.Unlock()
	}()

	logger := q.logger.With(zap.Stringer("job_id", desc.ID), zap.String("source", desc.DisplayName))
	q.recorder.StartExecution(desc.ID)
	q.publish(events.JobStarted{At: start, JobID: desc.ID, SourceName: desc.DisplayName})

	extraction, lastErr := q.attempts(ctx, desc, logger)
	if lastErr == nil {
		return q.succeed(desc, start, extraction, nil), nil
	}

	logger.Warn("attempts exhausted, running fallback", zap.Int("attempts", q.cfg.MaxRetries), zap.Error(lastErr))
	extraction, info, fbErr := q.fallback(ctx, desc)
	if fbErr == nil {
		return q.succeed(desc, start, extraction, &info), nil
	}

	jobErr := &JobError{
		JobID:      desc.ID,
		SourceName: desc.DisplayName,
		Attempts:   q.cfg.MaxRetries,
		Last:       lastErr,
		Fallback:   fbErr,
	}
	dur := q.since(start)
	q.recorder.RecordFailure(desc.ID, dur, jobErr)
	q.publish(events.JobFailed{
		At: q.clock.Now(), JobID: desc.ID, SourceName: desc.DisplayName, Duration: dur, Err: jobErr.Error(),
	})
	logger.Error("job failed", zap.Error(jobErr))
	return source.Result{}, jobErr
}

func (q *Queue) succeed(desc source.Descriptor, start time.Time, ext source.Extraction, info *source.FallbackInfo) source.Result {
	now := q.clock.Now()
	date := ext.Date
	if date == "" {
		date = now.Format(time.DateOnly)
	}
	res := source.Result{
		JobID:      desc.ID,
		SourceName: desc.DisplayName,
		Location:   desc.Location,
		Date:       date,
		Values:     ext.Values.Clone(),
		Fallback:   info,
		FetchedAt:  now,
	}
	q.cache.put(res)
	dur := q.since(start)
	q.recorder.RecordSuccess(desc.ID, dur, info)
	q.publish(events.JobCompleted{
		At: now, JobID: desc.ID, SourceName: desc.DisplayName, Duration: dur, Found: res.Values.Found(), Fallback: info,
	})
	return res
}

func (q *Queue) attempts(ctx context.Context, desc source.Descriptor, logger *zap.Logger) (source.Extraction, error) {
	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxRetries; attempt++ {
		ext, err := q.attempt(ctx, desc, attempt)
		if err == nil {
			return ext, nil
		}
		lastErr = err
		if attempt == q.cfg.MaxRetries {
			break
		}
		q.recorder.RecordRetry(desc.ID, attempt, err)
		backoff := time.Duration(attempt) * q.cfg.BackoffBase
		logger.Info("attempt failed, backing off", zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		if err := sleep(ctx, backoff); err != nil {
			return source.Extraction{}, err
		}
	}
	return source.Extraction{}, lastErr
}

type attemptOutcome struct {
	ext source.Extraction
	err error
}

// attempt races the extractor against AttemptTimeout. On timeout the
// extractor goroutine is left to finish and its outcome is discarded.
func (q *Queue) attempt(ctx context.Context, desc source.Descriptor, n int) (source.Extraction, error) {
	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		var out attemptOutcome
		defer func() {
			if r := recover(); r != nil {
				out = attemptOutcome{err: fmt.Errorf("extractor panicked: %v", r)}
			}
			done <- out
		}()
		out.ext, out.err = desc.Extract(actx)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return source.Extraction{}, fmt.Errorf("attempt %d: %w", n, out.err)
		}
		if out.ext.Values.Found() == 0 {
			return source.Extraction{}, fmt.Errorf("attempt %d: %w", n, source.ErrEmptyResult)
		}
		return out.ext, nil
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return source.Extraction{}, err
		}
		return source.Extraction{}, fmt.Errorf("attempt %d after %s: %w", n, q.cfg.AttemptTimeout, source.ErrAttemptTimeout)
	}
}

func (q *Queue) fallback(ctx context.Context, desc source.Descriptor) (source.Extraction, source.FallbackInfo, error) {
	if q.provider == nil || q.runner == nil {
		return source.Extraction{}, source.FallbackInfo{}, ErrNoFallback
	}
	if desc.URL == "" {
		return source.Extraction{}, source.FallbackInfo{}, fmt.Errorf("job %s has no page url: %w", desc.ID, ErrNoFallback)
	}
	lease, err := q.provider.Acquire(ctx)
	if err != nil {
		return source.Extraction{}, source.FallbackInfo{}, fmt.Errorf("acquire page: %w", err)
	}
	q.work.add()
	defer func() {
		go func() {
			defer q.work.done()
			if err := lease.Release(); err != nil {
				q.logger.Warn("release page failed", zap.Stringer("job_id", desc.ID), zap.Error(err))
			}
		}()
	}()

	if err := lease.Navigate(ctx, desc.URL); err != nil {
		return source.Extraction{}, source.FallbackInfo{}, fmt.Errorf("navigate: %w", err)
	}
	return q.runner.Run(ctx, fallback.Target{JobID: desc.ID, Location: desc.Location, Page: lease.Page()})
}

func (q *Queue) publish(evt events.Event) {
	if q.publisher != nil {
		q.publisher.Publish(evt)
	}
}

func (q *Queue) since(start time.Time) time.Duration {
	d := q.clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

type nopRecorder struct{}

func (nopRecorder) StartExecution(source.JobID) {}

func (nopRecorder) RecordRetry(source.JobID, int, error) {}

func (nopRecorder) RecordSuccess(source.JobID, time.Duration, *source.FallbackInfo) {}

func (nopRecorder) RecordFailure(source.JobID, time.Duration, error) {}

package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

// Config controls buffering and batching for the Bus.
//   - BufferSize: size of the internal sink channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Bus fans events out to sinks and live subscribers and keeps the last-known
// status of every job. It is safe for concurrent use and never blocks callers.
type Bus struct {
	cfg         Config
	sinks       []Sink
	queue       chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeCtx    context.Context

	mu       sync.RWMutex
	subs     map[uint64]chan Event
	nextSub  uint64
	statuses map[source.JobID]JobStatus
}

// NewBus starts the background batching goroutine for the supplied sinks.
func NewBus(cfg Config, sinks ...Sink) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		queue:       make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[uint64]chan Event),
		statuses:    make(map[source.JobID]JobStatus),
	}
	go b.run()
	return b
}

// Publish records job status, forwards evt to subscribers, and queues it for
// the sinks. Slow subscribers and a full sink queue lose events rather than
// block the caller.
func (b *Bus) Publish(evt Event) {
	if b == nil || evt == nil || b.closed.Load() {
		return
	}
	b.trackStatus(evt)

	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.noteDrop()
		}
	}
	b.mu.RUnlock()

	select {
	case b.queue <- evt:
	default:
		b.noteDrop()
	}
}

// Subscribe returns a channel receiving every event published from now on
// and a func that cancels the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Status returns the last-known status of a job.
func (b *Bus) Status(id source.JobID) (JobStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.statuses[id]
	return st, ok
}

// Statuses returns every tracked job status ordered by job id.
func (b *Bus) Statuses() []JobStatus {
	b.mu.RLock()
	out := make([]JobStatus, 0, len(b.statuses))
	for _, st := range b.statuses {
		out = append(out, st)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Close drains queued events into the sinks, closes subscriber channels and
// blocks until the background goroutine exits or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
		b.closeCtx = ctx
		close(b.stopCh)
	})
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus close wait: %w", ctx.Err())
	}
}

func (b *Bus) trackStatus(evt Event) {
	var st JobStatus
	switch e := evt.(type) {
	case JobStarted:
		st = JobStatus{JobID: e.JobID, SourceName: e.SourceName, State: StateRunning, UpdatedAt: e.At}
	case JobCompleted:
		st = JobStatus{
			JobID: e.JobID, SourceName: e.SourceName, State: StateSucceeded,
			UpdatedAt: e.At, Duration: e.Duration, Fallback: e.Fallback,
		}
	case JobFailed:
		st = JobStatus{
			JobID: e.JobID, SourceName: e.SourceName, State: StateFailed,
			UpdatedAt: e.At, Duration: e.Duration, Error: e.Err,
		}
	default:
		return
	}
	b.mu.Lock()
	b.statuses[st.JobID] = st
	b.mu.Unlock()
}

func (b *Bus) noteDrop() {
	b.dropped.Add(1)
	if b.dropLimiter.Allow(time.Now()) {
		count := b.dropped.Swap(0)
		b.logger.Warn("events dropped due to backpressure", zap.Int64("dropped", count))
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)
	batch := make([]Event, 0, b.cfg.MaxBatchEvents)
	timer := time.NewTimer(b.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-b.queue:
			batch = append(batch, evt)
			if len(batch) >= b.cfg.MaxBatchEvents {
				b.flush(batch)
				batch = batch[:0]
				stopTimer(timer, &timerActive)
			} else if !timerActive {
				timer.Reset(b.cfg.MaxBatchWait)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-b.stopCh:
			stopTimer(timer, &timerActive)
			b.drain(batch)
			return
		}
	}
}

func (b *Bus) drain(batch []Event) {
	for {
		select {
		case evt := <-b.queue:
			batch = append(batch, evt)
			if len(batch) >= b.cfg.MaxBatchEvents {
				b.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				b.flush(batch)
			}
			b.closeSinks()
			return
		}
	}
}

func stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

func (b *Bus) flush(batch []Event) {
	copyBatch := append([]Event(nil), batch...)
	for _, sink := range b.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			b.logger.Warn("event sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (b *Bus) closeSinks() {
	ctx := b.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range b.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			b.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}

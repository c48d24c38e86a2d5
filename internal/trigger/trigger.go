// Package trigger fires refresh runs on a cron schedule.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/scheduler"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner runs every registered job.
type Runner interface {
	RunAll(ctx context.Context) (monitor.Report, error)
}

// Config controls the schedule.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as @daily.
	Schedule string
	// Location defaults to UTC.
	Location   *time.Location
	RunOnStart bool
	Logger     *zap.Logger
}

// Trigger owns a cron instance with a single entry.
type Trigger struct {
	cfg      Config
	schedule cron.Schedule
	runner   Runner
	logger   *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
	wg   sync.WaitGroup
}

// ValidateSchedule reports whether expr parses.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// New parses the schedule and returns an idle Trigger.
func New(cfg Config, runner Runner) (*Trigger, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule, err)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		cfg:      cfg,
		schedule: sched,
		runner:   runner,
		logger:   logger.Named("trigger"),
	}, nil
}

// Next returns the first fire time strictly after from.
func (t *Trigger) Next(from time.Time) time.Time {
	return t.schedule.Next(from.In(t.cfg.Location))
}

// Start begins firing on schedule until Stop is called or ctx is done.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return errors.New("trigger already started")
	}
	c := cron.New(
		cron.WithLocation(t.cfg.Location),
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(t.schedule, cron.FuncJob(func() { t.Fire(ctx) }))
	c.Start()
	t.cron = c
	t.logger.Info("trigger started",
		zap.String("schedule", t.cfg.Schedule),
		zap.Time("next", t.Next(time.Now())),
	)

	if t.cfg.RunOnStart {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.Fire(ctx)
		}()
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-ctx.Done()
		t.Stop()
	}()
	return nil
}

// Fire runs one refresh now. A run already in progress is not an error.
func (t *Trigger) Fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := t.runner.RunAll(ctx)
	switch {
	case errors.Is(err, scheduler.ErrBatchRunning):
		t.logger.Info("skipping scheduled run, previous run still active")
	case err != nil:
		t.logger.Error("scheduled run failed", zap.Error(err))
	default:
		t.logger.Info("scheduled run finished",
			zap.String("run_id", report.RunID),
			zap.Int("successes", len(report.Successes)),
			zap.Int("failures", len(report.Errors)),
			zap.Int("skipped", report.Skipped),
		)
	}
}

// Stop halts the schedule and waits for a running job to return.
func (t *Trigger) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	t.logger.Info("trigger stopped")
}

// Wait blocks until Start's goroutines have exited. The context passed to
// Start must be canceled first.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/scheduler"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
	fired chan struct{}
}

func (r *countingRunner) RunAll(context.Context) (monitor.Report, error) {
	r.calls.Add(1)
	if r.fired != nil {
		select {
		case r.fired <- struct{}{}:
		default:
		}
	}
	return monitor.Report{RunID: "r"}, r.err
}

func TestNextUsesLocation(t *testing.T) {
	t.Parallel()

	trig, err := New(Config{Schedule: "0 3 * * *"}, &countingRunner{})
	require.NoError(t, err)

	from := time.Date(2026, 10, 17, 2, 59, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC), trig.Next(from))
	require.Equal(t, time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC), trig.Next(from.Add(2*time.Minute)))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Schedule: "not cron"}, &countingRunner{})
	require.Error(t, err)
	_, err = New(Config{Schedule: "@daily"}, nil)
	require.Error(t, err)
	require.NoError(t, ValidateSchedule("@hourly"))
	require.Error(t, ValidateSchedule("* * *"))
}

func TestFireLogsBusyRunAsInfo(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	runner := &countingRunner{err: scheduler.ErrBatchRunning}
	trig, err := New(Config{Schedule: "@daily", Logger: zap.New(core)}, runner)
	require.NoError(t, err)

	trig.Fire(context.Background())
	require.Equal(t, int32(1), runner.calls.Load())
	require.Equal(t, 1, logs.FilterMessage("skipping scheduled run, previous run still active").Len())
}

func TestFireSkipsCanceledContext(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	trig, err := New(Config{Schedule: "@daily"}, runner)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trig.Fire(ctx)
	require.Zero(t, runner.calls.Load())
}

func TestStartRunOnStartAndStop(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{fired: make(chan struct{}, 1)}
	trig, err := New(Config{Schedule: "@yearly", RunOnStart: true}, runner)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, trig.Start(ctx))
	require.Error(t, trig.Start(ctx))

	select {
	case <-runner.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start never fired")
	}

	cancel()
	trig.Wait()
	require.Equal(t, int32(1), runner.calls.Load())
}

package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/timetable-refresher/internal/events"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		events.JobStarted{At: now, JobID: 1},
		events.JobStarted{At: now, JobID: 2},
		events.JobCompleted{At: now, JobID: 1, Duration: 2 * time.Second, Found: 5},
		events.JobCompleted{
			At: now, JobID: 2, Duration: 3 * time.Second, Found: 3,
			Fallback: &source.FallbackInfo{Strategy: "proximity-scan", Index: 3, Quality: source.QualityMedium},
		},
		events.JobStarted{At: now, JobID: 3},
		events.JobFailed{At: now, JobID: 3, Duration: time.Second, Err: "boom"},
		events.BatchCompleted{At: now, RunID: "run", Duration: 10 * time.Second, Successes: 2, Failures: 1, Skipped: 4},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 3.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fallbacks.WithLabelValues("proximity-scan", "medium")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesCompleted))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.batchSkipped))
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchRuntime, "refresher_batch_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

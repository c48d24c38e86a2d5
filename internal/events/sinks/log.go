package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind())),
			zap.Time("at", evt.OccurredAt()),
		}
		switch e := evt.(type) {
		case events.JobStarted:
			fields = append(fields, zap.Stringer("job_id", e.JobID), zap.String("source", e.SourceName))
		case events.JobCompleted:
			fields = append(fields,
				zap.Stringer("job_id", e.JobID),
				zap.String("source", e.SourceName),
				zap.Duration("dur", e.Duration),
				zap.Int("found", e.Found),
			)
			if e.Fallback != nil {
				fields = append(fields, zap.String("strategy", e.Fallback.Strategy), zap.String("quality", string(e.Fallback.Quality)))
			}
		case events.JobFailed:
			fields = append(fields,
				zap.Stringer("job_id", e.JobID),
				zap.String("source", e.SourceName),
				zap.Duration("dur", e.Duration),
				zap.String("error", e.Err),
			)
		case events.BatchStarted:
			fields = append(fields, zap.String("run_id", e.RunID), zap.Int("jobs", e.TotalJobs), zap.Int("batch_size", e.BatchSize))
		case events.BatchProgress:
			fields = append(fields,
				zap.String("run_id", e.RunID),
				zap.Int("batch", e.Batch),
				zap.Int("batches", e.Batches),
				zap.Int("completed", e.Completed),
				zap.Int("total", e.Total),
			)
		case events.BatchCompleted:
			fields = append(fields,
				zap.String("run_id", e.RunID),
				zap.Duration("dur", e.Duration),
				zap.Int("successes", e.Successes),
				zap.Int("failures", e.Failures),
				zap.Int("skipped", e.Skipped),
			)
		}
		s.logger.Info("refresh event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

package events

import (
	"time"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

// Kind names an event variant.
type Kind string

// Event kinds.
const (
	KindJobStarted     Kind = "job_started"
	KindJobCompleted   Kind = "job_completed"
	KindJobFailed      Kind = "job_failed"
	KindBatchStarted   Kind = "batch_started"
	KindBatchProgress  Kind = "batch_progress"
	KindBatchCompleted Kind = "batch_completed"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
	sealed()
}

// JobStarted is emitted when an execution (not a deduplicated join) begins.
type JobStarted struct {
	At         time.Time
	JobID      source.JobID
	SourceName string
}

// JobCompleted is emitted when a job produced a result.
type JobCompleted struct {
	At         time.Time
	JobID      source.JobID
	SourceName string
	Duration   time.Duration
	Found      int
	Fallback   *source.FallbackInfo
}

// JobFailed is emitted when retries and the fallback chain were exhausted.
type JobFailed struct {
	At         time.Time
	JobID      source.JobID
	SourceName string
	Duration   time.Duration
	Err        string
}

// BatchStarted opens a RunAll invocation.
type BatchStarted struct {
	At        time.Time
	RunID     string
	TotalJobs int
	BatchSize int
}

// BatchProgress is emitted after each batch settles.
type BatchProgress struct {
	At        time.Time
	RunID     string
	Batch     int
	Batches   int
	Completed int
	Total     int
}

// BatchCompleted closes a RunAll invocation.
type BatchCompleted struct {
	At        time.Time
	RunID     string
	Duration  time.Duration
	Successes int
	Failures  int
	Skipped   int
}

func (JobStarted) Kind() Kind { return KindJobStarted }
func (JobCompleted) Kind() Kind { return KindJobCompleted }
func (JobFailed) Kind() Kind { return KindJobFailed }
func (BatchStarted) Kind() Kind { return KindBatchStarted }
func (BatchProgress) Kind() Kind { return KindBatchProgress }
func (BatchCompleted) Kind() Kind { return KindBatchCompleted }

func (e JobStarted) OccurredAt() time.Time { return e.At }
func (e JobCompleted) OccurredAt() time.Time { return e.At }
func (e JobFailed) OccurredAt() time.Time { return e.At }
func (e BatchStarted) OccurredAt() time.Time { return e.At }
func (e BatchProgress) OccurredAt() time.Time { return e.At }
func (e BatchCompleted) OccurredAt() time.Time { return e.At }

func (JobStarted) sealed() {}
func (JobCompleted) sealed() {}
func (JobFailed) sealed() {}
func (BatchStarted) sealed() {}
func (BatchProgress) sealed() {}
func (BatchCompleted) sealed() {}

// State is the last-known lifecycle state of a job.
type State string

// Job states tracked by the Bus.
const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// JobStatus is the last-known status of one job.
type JobStatus struct {
	JobID      source.JobID         `json:"job_id"`
	SourceName string               `json:"source_name"`
	State      State                `json:"state"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Duration   time.Duration        `json:"duration,omitempty"`
	Fallback   *source.FallbackInfo `json:"fallback_info,omitempty"`
	Error      string               `json:"error,omitempty"`
}

package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

// JobSuccess is one successful job in a batch report.
type JobSuccess struct {
	JobID      source.JobID  `json:"job_id"`
	SourceName string        `json:"source_name"`
	Location   string        `json:"location"`
	Result     source.Result `json:"result"`
}

// JobFailure is one failed job in a batch report.
type JobFailure struct {
	JobID      source.JobID `json:"job_id"`
	SourceName string       `json:"source_name"`
	Location   string       `json:"location"`
	Error      string       `json:"error"`
}

// LocationStats aggregates outcomes per location.
type LocationStats struct {
	Total     int `json:"total"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Fallbacks int `json:"fallbacks"`
}

// Report summarizes one RunAll invocation.
type Report struct {
	RunID             string                   `json:"run_id"`
	StartTime         time.Time                `json:"start_time"`
	Duration          time.Duration            `json:"duration"`
	TotalJobs         int                      `json:"total_jobs"`
	Skipped           int                      `json:"skipped"`
	SkippedIDs        []source.JobID           `json:"skipped_ids,omitempty"`
	Successes         []JobSuccess             `json:"successes"`
	Errors            []JobFailure             `json:"errors"`
	PerLocation       map[string]LocationStats `json:"per_location"`
	FallbackBreakdown map[string]int           `json:"fallback_breakdown"`
	BatchSize         int                      `json:"batch_size"`
	Batches           int                      `json:"batches"`
}

// SuccessRate is successes over attempted (non-skipped) jobs.
func (r Report) SuccessRate() float64 {
	attempted := len(r.Successes) + len(r.Errors)
	if attempted == 0 {
		return 0
	}
	return float64(len(r.Successes)) / float64(attempted)
}

// Clone returns a deep copy.
func (r Report) Clone() Report {
	out := r
	out.SkippedIDs = append([]source.JobID(nil), r.SkippedIDs...)
	out.Successes = make([]JobSuccess, len(r.Successes))
	for i, s := range r.Successes {
		s.Result = s.Result.Clone()
		out.Successes[i] = s
	}
	out.Errors = append([]JobFailure(nil), r.Errors...)
	out.PerLocation = make(map[string]LocationStats, len(r.PerLocation))
	for k, v := range r.PerLocation {
		out.PerLocation[k] = v
	}
	out.FallbackBreakdown = make(map[string]int, len(r.FallbackBreakdown))
	for k, v := range r.FallbackBreakdown {
		out.FallbackBreakdown[k] = v
	}
	return out
}

// Summary renders a short human-readable description of a batch report.
func Summary(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d jobs in %s (batch size %d, %d batches)\n",
		r.RunID, r.TotalJobs, r.Duration.Round(time.Millisecond), r.BatchSize, r.Batches)
	fmt.Fprintf(&b, "  succeeded: %d  failed: %d  skipped: %d  success rate: %.1f%%\n",
		len(r.Successes), len(r.Errors), r.Skipped, r.SuccessRate()*100)

	if len(r.FallbackBreakdown) > 0 {
		b.WriteString("  fallback:")
		for _, k := range sortedKeys(r.FallbackBreakdown) {
			fmt.Fprintf(&b, " %s=%d", k, r.FallbackBreakdown[k])
		}
		b.WriteString("\n")
	}
	for _, loc := range sortedKeys(r.PerLocation) {
		st := r.PerLocation[loc]
		fmt.Fprintf(&b, "  %s: %d/%d ok, %d via fallback\n", loc, st.Successes, st.Total, st.Fallbacks)
	}
	for _, f := range r.Errors {
		fmt.Fprintf(&b, "  FAILED %s (%s): %s\n", f.JobID, f.SourceName, f.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package source

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// JobID identifies one external source. IDs are stable across runs.
type JobID int

// String renders the id in decimal form.
func (id JobID) String() string {
	return strconv.Itoa(int(id))
}

// ParseJobID converts the decimal form produced by String back into a JobID.
func ParseJobID(raw string) (JobID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	return JobID(n), nil
}

// DefaultValueNames lists the time values every source is expected to publish.
var DefaultValueNames = []string{"fajr", "dhuhr", "asr", "maghrib", "isha"}

// Values maps a value name to its extracted time. A nil entry means the
// extractor looked for the value and did not find it.
type Values map[string]*string

// Found counts entries holding a non-blank value.
func (v Values) Found() int {
	n := 0
	for _, val := range v {
		if val != nil && strings.TrimSpace(*val) != "" {
			n++
		}
	}
	return n
}

// FoundOf counts how many of names carry a non-blank value.
func (v Values) FoundOf(names []string) int {
	n := 0
	for _, name := range names {
		if val, ok := v[name]; ok && val != nil && strings.TrimSpace(*val) != "" {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so cached results cannot be mutated by callers.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		if val == nil {
			out[k] = nil
			continue
		}
		s := *val
		out[k] = &s
	}
	return out
}

// Value is a small helper for building Values literals.
func Value(s string) *string {
	return &s
}

// Extraction is what an extractor returns for one source.
type Extraction struct {
	Date   string `json:"date"`
	Values Values `json:"values"`
}

// Extractor pulls the current extraction for one source. Implementations
// should honor ctx cancellation where the underlying engine supports it.
type Extractor func(ctx context.Context) (Extraction, error)

// Quality is the coarse completeness rating attached to fallback results.
type Quality string

// Quality tiers assigned by the fallback chain.
const (
	QualityTop      Quality = "top"
	QualityHigh     Quality = "high"
	QualityMedium   Quality = "medium"
	QualityRejected Quality = "rejected"
)

// ClassifyQuality maps the number of values found to a quality tier.
func ClassifyQuality(found int) Quality {
	switch {
	case found >= 5:
		return QualityTop
	case found == 4:
		return QualityHigh
	case found == 3:
		return QualityMedium
	default:
		return QualityRejected
	}
}

// ClassifyAccepted rates a result that already met the configured acceptance
// threshold. Thresholds below three still rate as QualityMedium, never
// QualityRejected.
func ClassifyAccepted(found int) Quality {
	if q := ClassifyQuality(found); q != QualityRejected {
		return q
	}
	return QualityMedium
}

// FallbackInfo describes which fallback strategy produced a result.
type FallbackInfo struct {
	Strategy string        `json:"strategy_name"`
	Index    int           `json:"strategy_index"`
	Duration time.Duration `json:"duration"`
	Quality  Quality       `json:"quality_tier"`
}

// Result is a successful extraction for one job.
type Result struct {
	JobID      JobID         `json:"job_id"`
	SourceName string        `json:"source_name"`
	Location   string        `json:"location"`
	Date       string        `json:"date"`
	Values     Values        `json:"values"`
	Fallback   *FallbackInfo `json:"fallback_info,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

// UsedFallback reports whether the result came from the fallback chain.
func (r Result) UsedFallback() bool {
	return r.Fallback != nil
}

// Clone returns a copy safe to hand to another caller.
func (r Result) Clone() Result {
	out := r
	out.Values = r.Values.Clone()
	if r.Fallback != nil {
		fb := *r.Fallback
		out.Fallback = &fb
	}
	return out
}

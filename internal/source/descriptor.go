package source

import (
	"errors"
	"fmt"
	"strings"
)

// Descriptor is the immutable registration record for a job.
type Descriptor struct {
	ID          JobID
	DisplayName string
	Location    string
	// URL is where the fallback chain points a pooled browser tab.
	URL     string
	Extract Extractor
}

// Validate enforces the fields every registered job must carry.
func (d Descriptor) Validate() error {
	if d.ID <= 0 {
		return fmt.Errorf("job id must be > 0, got %d", d.ID)
	}
	if strings.TrimSpace(d.DisplayName) == "" {
		return fmt.Errorf("job %s: display name is required", d.ID)
	}
	if d.Extract == nil {
		return fmt.Errorf("job %s: extractor is required", d.ID)
	}
	return nil
}

// Sentinel errors shared across the orchestrator.
var (
	// ErrUnknownJob is returned when no descriptor exists for a JobID.
	ErrUnknownJob = errors.New("unknown job")
	// ErrEmptyResult marks an extraction that produced no values.
	ErrEmptyResult = errors.New("extraction returned no values")
	// ErrAttemptTimeout marks an attempt that outlived its deadline.
	ErrAttemptTimeout = errors.New("extraction attempt timed out")
)

package scheduler

import (
	"errors"
	"math"
	"runtime/metrics"
)

// MemoryProbe reports memory pressure as a ratio in [0, 1].
type MemoryProbe interface {
	Pressure() (float64, error)
}

// MemoryProbeFunc adapts a function to MemoryProbe.
type MemoryProbeFunc func() (float64, error)

// Pressure implements MemoryProbe.
func (f MemoryProbeFunc) Pressure() (float64, error) {
	return f()
}

const (
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	memLimitMetric    = "/gc/gomemlimit:bytes"
	totalMemoryMetric = "/memory/classes/total:bytes"
)

var errNoMemoryMetrics = errors.New("memory metrics unavailable")

// RuntimeProbe measures live heap against GOMEMLIMIT, or against memory
// mapped by the runtime when no limit is set.
type RuntimeProbe struct{}

// Pressure implements MemoryProbe.
func (RuntimeProbe) Pressure() (float64, error) {
	samples := []metrics.Sample{
		{Name: heapObjectsMetric},
		{Name: memLimitMetric},
		{Name: totalMemoryMetric},
	}
	metrics.Read(samples)
	for _, s := range samples {
		if s.Value.Kind() != metrics.KindUint64 {
			return 0, errNoMemoryMetrics
		}
	}
	heap := float64(samples[0].Value.Uint64())
	limit := samples[1].Value.Uint64()
	denominator := float64(limit)
	if limit == 0 || limit >= math.MaxInt64 {
		denominator = float64(samples[2].Value.Uint64())
	}
	if denominator <= 0 {
		return 0, errNoMemoryMetrics
	}
	return math.Min(heap/denominator, 1), nil
}

// Package monitor keeps execution statistics for refresh jobs and batch
// runs and exposes them as Prometheus collectors.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

const defaultHistory = 500

// Config controls the Monitor.
type Config struct {
	// History bounds how many finished executions Recent can return.
	History int
	Clock   source.Clock
	Logger  *zap.Logger
}

// Execution is one finished job execution.
type Execution struct {
	JobID     source.JobID         `json:"job_id"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Success   bool                 `json:"success"`
	Retries   int                  `json:"retries"`
	Fallback  *source.FallbackInfo `json:"fallback_info,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Stats is a point-in-time view of every execution recorded so far.
type Stats struct {
	TotalExecutions int            `json:"total_executions"`
	Successes       int            `json:"successes"`
	Failures        int            `json:"failures"`
	Running         int            `json:"running"`
	Retries         int            `json:"retries"`
	SuccessRate     float64        `json:"success_rate"`
	AvgDuration     time.Duration  `json:"avg_duration"`
	FallbackUses    int            `json:"fallback_uses"`
	FallbackRate    float64        `json:"fallback_rate"`
	StrategyCounts  map[string]int `json:"strategy_counts"`
	Batches         int            `json:"batches"`
	LastBatch       *Report        `json:"last_batch,omitempty"`
}

type running struct {
	started time.Time
	retries int
}

// Monitor records job outcomes. It is safe for concurrent use.
type Monitor struct {
	cfg     Config
	clock   source.Clock
	logger  *zap.Logger
	metrics *collectors

	mu            sync.Mutex
	active        map[source.JobID]*running
	history       []Execution
	next          int
	total         int
	successes     int
	failures      int
	retries       int
	totalDuration time.Duration
	fallbackUses  int
	strategies    map[string]int
	batches       int
	lastBatch     *Report
}

// New builds a Monitor.
func New(cfg Config) *Monitor {
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	clock := cfg.Clock
	if clock == nil {
		clock = source.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		active:     make(map[source.JobID]*running),
		history:    make([]Execution, 0, cfg.History),
		strategies: make(map[string]int),
	}
}

// StartExecution marks a job execution as running.
func (m *Monitor) StartExecution(id source.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = &running{started: m.clock.Now()}
}

// RecordRetry counts a failed attempt that will be retried.
func (m *Monitor) RecordRetry(id source.JobID, attempt int, err error) {
	m.mu.Lock()
	m.retries++
	if r, ok := m.active[id]; ok {
		r.retries++
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.retries.Inc()
	}
	m.logger.Debug("attempt failed", zap.Stringer("job_id", id), zap.Int("attempt", attempt), zap.Error(err))
}

// RecordSuccess closes an execution that produced a result.
func (m *Monitor) RecordSuccess(id source.JobID, dur time.Duration, fb *source.FallbackInfo) {
	exec := Execution{JobID: id, Duration: dur, Success: true}
	if fb != nil {
		copyFB := *fb
		exec.Fallback = &copyFB
	}
	m.finish(exec)
	if m.metrics != nil {
		m.metrics.executions.WithLabelValues("success").Inc()
		m.metrics.duration.WithLabelValues("success").Observe(dur.Seconds())
	}
}

// RecordFailure closes an execution that failed terminally.
func (m *Monitor) RecordFailure(id source.JobID, dur time.Duration, err error) {
	exec := Execution{JobID: id, Duration: dur}
	if err != nil {
		exec.Error = err.Error()
	}
	m.finish(exec)
	if m.metrics != nil {
		m.metrics.executions.WithLabelValues("failure").Inc()
		m.metrics.duration.WithLabelValues("failure").Observe(dur.Seconds())
	}
}

func (m *Monitor) finish(exec Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.active[exec.JobID]; ok {
		exec.StartedAt = r.started
		exec.Retries = r.retries
		delete(m.active, exec.JobID)
	} else {
		exec.StartedAt = m.clock.Now().Add(-exec.Duration)
	}
	m.total++
	m.totalDuration += exec.Duration
	if exec.Success {
		m.successes++
	} else {
		m.failures++
	}
	if exec.Fallback != nil {
		m.fallbackUses++
		m.strategies[exec.Fallback.Strategy]++
	}
	if len(m.history) < m.cfg.History {
		m.history = append(m.history, exec)
	} else {
		m.history[m.next] = exec
	}
	m.next = (m.next + 1) % m.cfg.History
}

// Stats returns aggregate statistics.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		TotalExecutions: m.total,
		Successes:       m.successes,
		Failures:        m.failures,
		Running:         len(m.active),
		Retries:         m.retries,
		FallbackUses:    m.fallbackUses,
		StrategyCounts:  make(map[string]int, len(m.strategies)),
		Batches:         m.batches,
	}
	for k, v := range m.strategies {
		st.StrategyCounts[k] = v
	}
	if m.total > 0 {
		st.SuccessRate = float64(m.successes) / float64(m.total)
		st.AvgDuration = m.totalDuration / time.Duration(m.total)
	}
	if m.successes > 0 {
		st.FallbackRate = float64(m.fallbackUses) / float64(m.successes)
	}
	if m.lastBatch != nil {
		last := m.lastBatch.Clone()
		st.LastBatch = &last
	}
	return st
}

// Recent returns up to n finished executions, newest first.
func (m *Monitor) Recent(n int) []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := len(m.history)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Execution, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + m.cfg.History) % m.cfg.History
		if idx >= size {
			break
		}
		out = append(out, m.history[idx])
	}
	return out
}

// RecordBatch stores the report of a finished RunAll and logs its summary.
func (m *Monitor) RecordBatch(report Report) {
	m.mu.Lock()
	m.batches++
	stored := report.Clone()
	m.lastBatch = &stored
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.lastBatchSuccessRate.Set(report.SuccessRate())
		m.metrics.lastBatchSize.Set(float64(report.BatchSize))
	}
	m.logger.Info("batch recorded",
		zap.String("run_id", report.RunID),
		zap.Int("jobs", report.TotalJobs),
		zap.Int("successes", len(report.Successes)),
		zap.Int("failures", len(report.Errors)),
		zap.Int("skipped", report.Skipped),
		zap.Duration("dur", report.Duration),
	)
}

// LastBatch returns the most recent batch report.
func (m *Monitor) LastBatch() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastBatch == nil {
		return Report{}, false
	}
	return m.lastBatch.Clone(), true
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/events"
	"github.com/JakeFAU/timetable-refresher/internal/jobqueue"
	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/pool"
	"github.com/JakeFAU/timetable-refresher/internal/scheduler"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

const (
	defaultRecent = 20
	maxRecent     = 500
)

type statusResponse struct {
	Running   bool            `json:"running"`
	BatchSize int             `json:"batch_size"`
	Queue     jobqueue.Status `json:"queue"`
	Pool      *pool.Status    `json:"pool,omitempty"`
}

type statsResponse struct {
	Stats  monitor.Stats       `json:"stats"`
	Recent []monitor.Execution `json:"recent"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Running:   s.deps.Runner.Running(),
		BatchSize: s.deps.Runner.BatchSize(),
		Queue:     s.deps.Queue.Status(),
	}
	if s.deps.Pool != nil {
		st := s.deps.Pool.Status()
		resp.Pool = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// stats handles GET /v1/stats?recent=N.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if raw := r.URL.Query().Get("recent"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "recent must be a non-negative integer")
			return
		}
		n = min(parsed, maxRecent)
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:  s.deps.Stats.Stats(),
		Recent: s.deps.Stats.Recent(n),
	})
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.deps.Stats.LastBatch()
	if !ok {
		writeError(w, http.StatusNotFound, "no run recorded yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":  report,
		"summary": monitor.Summary(report),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	statuses := s.deps.Statuses.Statuses()
	if statuses == nil {
		statuses = []events.JobStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": statuses})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	st, found := s.deps.Statuses.Status(id)
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": st})
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      id,
		"invalidated": s.deps.Queue.Invalidate(id),
	})
}

// startRun handles POST /v1/runs. By default the run continues in the
// background and the handler answers 202; ?wait=true blocks and returns the
// report.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner.Running() {
		writeError(w, http.StatusConflict, scheduler.ErrBatchRunning.Error())
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		report, err := s.deps.Runner.RunAll(r.Context())
		if err != nil {
			s.writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
		return
	}

	started := s.goBackground(func() {
		report, err := s.deps.Runner.RunAll(s.opts.BaseContext)
		if err != nil {
			s.logger.Warn("background run failed", zap.Error(err))
			return
		}
		s.logger.Info("background run finished",
			zap.String("run_id", report.RunID),
			zap.Int("successes", len(report.Successes)),
			zap.Int("failures", len(report.Errors)),
		)
	})
	if !started {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Runner.RunOne(r.Context(), id)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	var jobErr *jobqueue.JobError
	switch {
	case errors.Is(err, source.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scheduler.ErrBatchRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &jobErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (source.JobID, bool) {
	id, err := source.ParseJobID(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return 0, false
	}
	return id, true
}

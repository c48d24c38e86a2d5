package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/events"
	"github.com/JakeFAU/timetable-refresher/internal/jobqueue"
	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/pool"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

const defaultRequestTimeout = 60 * time.Second

// Runner triggers refreshes.
type Runner interface {
	RunAll(ctx context.Context) (monitor.Report, error)
	RunOne(ctx context.Context, id source.JobID) (source.Result, error)
	Running() bool
	BatchSize() int
}

// QueueInspector exposes job queue state.
type QueueInspector interface {
	Status() jobqueue.Status
	Invalidate(id source.JobID) bool
}

// PoolInspector exposes browser pool occupancy.
type PoolInspector interface {
	Status() pool.Status
}

// StatsSource exposes aggregated execution statistics.
type StatsSource interface {
	Stats() monitor.Stats
	Recent(n int) []monitor.Execution
	LastBatch() (monitor.Report, bool)
}

// StatusBoard exposes last-known per-job status.
type StatusBoard interface {
	Status(id source.JobID) (events.JobStatus, bool)
	Statuses() []events.JobStatus
}

// Options configures the server.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// BaseContext parents runs started in the background. It should be
	// canceled on shutdown.
	BaseContext context.Context
}

// Deps are the collaborators behind the handlers. Pool and Gatherer are
// optional.
type Deps struct {
	Runner     Runner
	Queue      QueueInspector
	Pool       PoolInspector
	Stats      StatsSource
	Statuses   StatusBoard
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the scheduler, queue, and monitor.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	runs   sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(newHTTPMetrics(deps.Registerer, logger).middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/status", s.status)
			r.Get("/stats", s.stats)
			r.Get("/runs/last", s.lastRun)
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{job_id}/status", s.jobStatus)
			r.Delete("/jobs/{job_id}/cache", s.invalidate)
		})
		// Runs can outlive the read timeout.
		r.Post("/runs", s.startRun)
		r.Post("/jobs/{job_id}/run", s.runJob)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Wait stops accepting background runs and blocks until the ones already
// started have returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goBackground runs fn on a tracked goroutine. It returns false once Wait has
// been called.
func (s *Server) goBackground(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		fn()
	}()
	return true
}

// Package postgres persists batch reports and refreshed timetables in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultRunsTable    = "refresh_runs"
	defaultResultsTable = "timetable_results"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RunsTable       string
	ResultsTable    string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ResultStore writes run summaries and per-job results.
type ResultStore struct {
	pool         dbPool
	runsTable    string
	resultsTable string
}

// NewResultStore connects to Postgres using cfg.
func NewResultStore(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewResultStoreWithPool(pool, cfg.RunsTable, cfg.ResultsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResultStoreWithPool constructs a store from an existing pool.
func NewResultStoreWithPool(pool dbPool, runsTable, resultsTable string) (*ResultStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if runsTable == "" {
		runsTable = defaultRunsTable
	}
	if resultsTable == "" {
		resultsTable = defaultResultsTable
	}
	for _, table := range []string{runsTable, resultsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ResultStore{pool: pool, runsTable: runsTable, resultsTable: resultsTable}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// HandleReport stores the run row and every successful result in one
// transaction.
func (s *ResultStore) HandleReport(ctx context.Context, report monitor.Report) (err error) {
	if s == nil || s.pool == nil {
		return errors.New("result store is not configured")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = s.insertRun(ctx, tx, report); err != nil {
		return err
	}
	for _, success := range report.Successes {
		if err = s.upsertResult(ctx, tx, report.RunID, success.Result); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

func (s *ResultStore) insertRun(ctx context.Context, tx pgx.Tx, report monitor.Report) error {
	breakdown, err := json.Marshal(report.FallbackBreakdown)
	if err != nil {
		return fmt.Errorf("marshal fallback breakdown: %w", err)
	}
	perLocation, err := json.Marshal(report.PerLocation)
	if err != nil {
		return fmt.Errorf("marshal per-location stats: %w", err)
	}
	failures, err := json.Marshal(report.Errors)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	started_at,
	duration_ms,
	total_jobs,
	skipped,
	successes,
	failures,
	batch_size,
	fallback_breakdown,
	per_location,
	failed_jobs
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.runsTable)
	args := []any{
		report.RunID,
		report.StartTime,
		report.Duration.Milliseconds(),
		report.TotalJobs,
		report.Skipped,
		len(report.Successes),
		len(report.Errors),
		report.BatchSize,
		breakdown,
		perLocation,
		failures,
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *ResultStore) upsertResult(ctx context.Context, tx pgx.Tx, runID string, res source.Result) error {
	values, err := json.Marshal(res.Values)
	if err != nil {
		return fmt.Errorf("marshal values for job %s: %w", res.JobID, err)
	}
	var (
		strategy *string
		index    *int
		quality  *string
	)
	if res.Fallback != nil {
		strategy = &res.Fallback.Strategy
		index = &res.Fallback.Index
		q := string(res.Fallback.Quality)
		quality = &q
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	timetable_date,
	source_name,
	location,
	time_values,
	fallback_strategy,
	fallback_index,
	fallback_quality,
	fetched_at,
	run_id
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (job_id, timetable_date) DO UPDATE SET
	source_name = EXCLUDED.source_name,
	location = EXCLUDED.location,
	time_values = EXCLUDED.time_values,
	fallback_strategy = EXCLUDED.fallback_strategy,
	fallback_index = EXCLUDED.fallback_index,
	fallback_quality = EXCLUDED.fallback_quality,
	fetched_at = EXCLUDED.fetched_at,
	run_id = EXCLUDED.run_id`, s.resultsTable)
	args := []any{
		int(res.JobID),
		res.Date,
		res.SourceName,
		res.Location,
		values,
		strategy,
		index,
		quality,
		res.FetchedAt,
		runID,
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert result for job %s: %w", res.JobID, err)
	}
	return nil
}

// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status and /v1/stats for pool, queue, and monitor snapshots.
//   - GET /v1/jobs and /v1/jobs/{job_id}/status for last-known job state.
//   - POST /v1/runs and /v1/jobs/{job_id}/run to trigger refreshes.
//   - DELETE /v1/jobs/{job_id}/cache to drop a cached result.
package api

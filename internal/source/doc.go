// Package source defines the job, extraction, and result types shared by the
// refresh orchestrator's pool, queue, fallback, and scheduler subsystems.
package source

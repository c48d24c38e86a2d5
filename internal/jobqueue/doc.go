// Package jobqueue executes refresh jobs. It deduplicates concurrent requests
// for the same job, serves fresh results from a TTL cache, retries failed
// extractions with linear backoff, and hands persistent failures to the
// fallback chain running on a pooled browser tab.
package jobqueue

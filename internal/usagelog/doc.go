// Package usagelog persists per-run token usage reports to a local
// SQLite database for the billing pipeline to drain out of band. Writes
// are deduplicated by run id, because the remote re-emits usage after
// internal retries; runs never block on, and never fail because of,
// journaling.
package usagelog

// ABOUTME: SQLite-backed journal of token usage reports using modernc.org/sqlite
// ABOUTME: Records per-run usage rows for the billing pipeline to drain later.

package usagelog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/fold-client/internal/recent"
	"github.com/2389/fold-client/internal/run"
)

// recordedTTL bounds how long a run id is remembered for duplicate
// suppression. The remote may re-emit a usage report after an internal
// retry; only the first report per run is journaled.
const recordedTTL = 10 * time.Minute

// recordedMaxSize caps the duplicate-suppression cache.
const recordedMaxSize = 2048

// Record is one journaled usage row.
type Record struct {
	ID         string
	SessionKey string
	RunID      string
	Usage      run.Usage
	CreatedAt  time.Time
}

// Journal persists usage reports to a local SQLite database. The
// billing pipeline drains it out of band; runs never block on billing.
type Journal struct {
	db       *sql.DB
	recorded *recent.Cache
	logger   *slog.Logger
}

// Open creates or opens a journal at the given path. Parent directories
// and the schema are created as needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "usagelog")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// WAL mode keeps journal writes from stalling concurrent reads by
	// the draining pipeline.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &Journal{
		db:       db,
		recorded: recent.New(recordedTTL, recordedMaxSize),
		logger:   logger,
	}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("usage journal opened", "path", path)
	return j, nil
}

// createSchema creates the journal table if it doesn't exist.
func (j *Journal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS run_usage (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			cache_write_tokens INTEGER NOT NULL,
			thinking_tokens INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_usage_session ON run_usage(session_key);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_run_usage_run ON run_usage(run_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordUsage journals one usage report for a run. A report for a run
// id already journaled recently is skipped: the remote re-emits usage
// after internal retries and billing must not double count. The run id
// is only remembered after the insert succeeds, so a failed write
// leaves the re-emitted report eligible to land; the unique run_id
// index keeps a racing duplicate from double counting.
func (j *Journal) RecordUsage(ctx context.Context, sessionKey, runID string, usage run.Usage) error {
	if j.recorded.Check(runID) {
		j.logger.Debug("duplicate usage report skipped", "run_id", runID)
		return nil
	}

	query := `
		INSERT INTO run_usage (
			id, session_key, run_id,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, thinking_tokens,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`
	_, err := j.db.ExecContext(ctx, query,
		uuid.New().String(),
		sessionKey,
		runID,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CacheReadTokens,
		usage.CacheWriteTokens,
		usage.ThinkingTokens,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	j.recorded.Mark(runID)

	j.logger.Debug("journaled usage report",
		"session_key", sessionKey,
		"run_id", runID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// SessionUsage returns all journaled usage rows for a session key in
// insertion order.
func (j *Journal) SessionUsage(ctx context.Context, sessionKey string) ([]*Record, error) {
	query := `
		SELECT id, session_key, run_id,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, thinking_tokens,
		       created_at
		FROM run_usage
		WHERE session_key = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := j.db.QueryContext(ctx, query, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var r Record
		var createdAt string
		if err := rows.Scan(
			&r.ID, &r.SessionKey, &r.RunID,
			&r.Usage.InputTokens, &r.Usage.OutputTokens,
			&r.Usage.CacheReadTokens, &r.Usage.CacheWriteTokens, &r.Usage.ThinkingTokens,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Close releases the database and the duplicate-suppression cache.
func (j *Journal) Close() error {
	j.recorded.Close()
	return j.db.Close()
}

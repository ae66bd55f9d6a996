// Package sqlite copies canonical results into a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/merge"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id           TEXT PRIMARY KEY,
    ref          TEXT NOT NULL DEFAULT '',
    attempts     INTEGER NOT NULL,
    completed_at DATETIME NOT NULL,
    payload      TEXT NOT NULL,
    run_id       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS %[1]s_runs (
    run_id      TEXT PRIMARY KEY,
    job         TEXT NOT NULL,
    state       TEXT NOT NULL,
    succeeded   INTEGER NOT NULL,
    failed      INTEGER NOT NULL,
    pending     INTEGER NOT NULL,
    finished_at DATETIME NOT NULL
);
`

// Exporter writes canonical results and a run row into SQLite.
type Exporter struct {
	db    *sql.DB
	table string
}

// New opens (creating if needed) the database at path and ensures the schema.
func New(path, table string) (*Exporter, error) {
	if path == "" {
		return nil, fmt.Errorf("export.sqlite.path is required")
	}
	if table == "" {
		table = "crawl_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(schema, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Exporter{db: db, table: table}, nil
}

// Name implements export.Exporter.
func (e *Exporter) Name() string { return "sqlite" }

// Close closes the database connection.
func (e *Exporter) Close() error {
	return e.db.Close()
}

// Export replaces rows for every canonical record and records the run.
func (e *Exporter) Export(ctx context.Context, summary crawl.RunSummary) (err error) {
	records, err := merge.ReadResults(summary.OutputDir)
	if err != nil {
		return err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (id, ref, attempts, completed_at, payload, run_id) VALUES (?, ?, ?, ?, ?, ?)`,
		e.table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx, rec.ID, rec.Ref, rec.Attempts, rec.CompletedAt.UTC(), string(rec.Payload), summary.RunID); err != nil {
			return fmt.Errorf("insert %s: %w", rec.ID, err)
		}
	}
	finished := summary.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s_runs (run_id, job, state, succeeded, failed, pending, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.table),
		summary.RunID, summary.Job, summary.State, summary.Succeeded, summary.Failed, summary.Pending, finished.UTC(),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Count returns the number of result rows.
func (e *Exporter) Count(ctx context.Context) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, e.table)).Scan(&n)
	return n, err
}

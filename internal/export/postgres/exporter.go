// Package postgres upserts canonical results into a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/merge"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the target table and connection.
type Config struct {
	DSN   string
	Table string
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Exporter writes the canonical results of a run into Postgres.
type Exporter struct {
	pool  pool
	table string
}

// New connects to Postgres using cfg.DSN.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("export.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	exp, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return exp, nil
}

// NewWithPool constructs an exporter from an existing pool.
func NewWithPool(p pool, table string) (*Exporter, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Exporter{pool: p, table: table}, nil
}

// Name implements export.Exporter.
func (e *Exporter) Name() string { return "postgres" }

// Close releases the pool.
func (e *Exporter) Close() {
	if e == nil || e.pool == nil {
		return
	}
	e.pool.Close()
}

// Export upserts every canonical record in one transaction.
func (e *Exporter) Export(ctx context.Context, summary crawl.RunSummary) (err error) {
	records, err := merge.ReadResults(summary.OutputDir)
	if err != nil {
		return err
	}
	if _, err := e.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	ref          TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	payload      JSONB NOT NULL,
	run_id       TEXT NOT NULL
)`, e.table)); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (id, ref, attempts, completed_at, payload, run_id)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
	ref = EXCLUDED.ref,
	attempts = EXCLUDED.attempts,
	completed_at = EXCLUDED.completed_at,
	payload = EXCLUDED.payload,
	run_id = EXCLUDED.run_id`, e.table)
	for _, rec := range records {
		if _, err = tx.Exec(ctx, query, rec.ID, rec.Ref, rec.Attempts, rec.CompletedAt, []byte(rec.Payload), summary.RunID); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

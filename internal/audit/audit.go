// Package audit persists a record of administrative actions taken
// against a pool (freeze/unfreeze/enable/disable/manual precheck
// triggers) to Postgres, for operators who need to answer "who touched
// this key and when".
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/keyvault/internal/logging"
)

// Entry is one administrative action against a pool.
type Entry struct {
	ID        int64
	Pool      string
	Action    string // freeze, unfreeze, enable, disable, batch_enable, batch_disable, reset_fail, reset_all_fail, update_precheck_config, manual_precheck
	Key       string // redacted before storage; empty for pool-wide actions
	Actor     string // operator identity, if known
	Detail    string
	CreatedAt time.Time
}

// Log is a Postgres-backed audit trail.
type Log struct {
	pool *pgxpool.Pool
}

// New connects to Postgres at dsn and ensures the audit schema exists.
func New(ctx context.Context, dsn string) (*Log, error) {
	if dsn == "" {
		return nil, fmt.Errorf("audit: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: create postgres pool: %w", err)
	}
	l := &Log{pool: pool}
	if err := l.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS keypool_audit_log (
			id SERIAL PRIMARY KEY,
			pool TEXT NOT NULL,
			action TEXT NOT NULL,
			key_redacted TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_keypool_audit_pool_time
		ON keypool_audit_log(pool, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("audit: ensure index: %w", err)
	}
	return nil
}

// Record appends an entry. The raw key, if present, is redacted before
// it ever reaches SQL.
func (l *Log) Record(ctx context.Context, pool, action, key, actor, detail string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO keypool_audit_log (pool, action, key_redacted, actor, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, pool, action, logging.RedactKey(key), actor, detail)
	if err != nil {
		return fmt.Errorf("audit: record %s/%s: %w", pool, action, err)
	}
	return nil
}

// Recent returns the most recent entries for pool, newest first.
func (l *Log) Recent(ctx context.Context, pool string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, pool, action, key_redacted, actor, detail, created_at
		FROM keypool_audit_log
		WHERE pool = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, pool, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent for %s: %w", pool, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Pool, &e.Action, &e.Key, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent rows: %w", err)
	}
	return entries, nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() {
	l.pool.Close()
}

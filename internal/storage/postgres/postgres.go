// Package postgres provides the PostgreSQL primary tier for the storage
// package. Values live in a JSONB column keyed by the namespaced key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/agrivoice/internal/storage"
)

// Schema is the SQL DDL for the kv_records table. Execute it via
// [Tier.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_records (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Tier]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Tier is a [storage.Tier] backed by PostgreSQL.
type Tier struct {
	db DB
}

// Compile-time interface checks.
var (
	_ storage.Tier   = (*Tier)(nil)
	_ storage.Pinger = (*Tier)(nil)
)

// New creates a Tier using the given connection or pool. Call
// [Tier.Migrate] before the first query.
func New(db DB) *Tier {
	return &Tier{db: db}
}

// Open connects a pool to dsn and verifies it.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL.
func (t *Tier) Migrate(ctx context.Context) error {
	if _, err := t.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Get returns the value under key, or (nil, false, nil) if absent.
func (t *Tier) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	const query = `SELECT value FROM kv_records WHERE key = $1`

	var value []byte
	if err := t.db.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres: get %q: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

// Set inserts or replaces the value under key.
func (t *Tier) Set(ctx context.Context, key string, value json.RawMessage) error {
	const query = `
		INSERT INTO kv_records (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	if _, err := t.db.Exec(ctx, query, key, []byte(value)); err != nil {
		return fmt.Errorf("postgres: set %q: %w", key, err)
	}
	return nil
}

// Del removes key. Removing an absent key is not an error.
func (t *Tier) Del(ctx context.Context, key string) error {
	if _, err := t.db.Exec(ctx, `DELETE FROM kv_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: del %q: %w", key, err)
	}
	return nil
}

// Keys returns every key in the table, ordered.
func (t *Tier) Keys(ctx context.Context) ([]string, error) {
	rows, err := t.db.Query(ctx, `SELECT key FROM kv_records ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("postgres: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres: keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: keys: %w", err)
	}
	return keys, nil
}

// Ping runs a trivial query.
func (t *Tier) Ping(ctx context.Context) error {
	var one int
	if err := t.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

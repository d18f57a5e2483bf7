// Package sqlite provides the local fallback tier for the storage package.
// It is a synchronous string store in a single-file SQLite database, so it
// keeps working when the primary database is unreachable.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/agrivoice/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_strings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

// Tier is a [storage.SyncTier] backed by SQLite.
type Tier struct {
	db *sql.DB
}

var (
	_ storage.SyncTier = (*Tier)(nil)
	_ storage.Pinger   = (*Tier)(nil)
)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Tier, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Tier{db: db}, nil
}

// Close releases the database handle.
func (t *Tier) Close() error {
	return t.db.Close()
}

// Get returns the value under key, or ("", false, nil) if absent.
func (t *Tier) Get(key string) (string, bool, error) {
	var v string
	err := t.db.QueryRow(`SELECT value FROM kv_strings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: get %q: %w", key, err)
	}
	return v, true, nil
}

// Set inserts or replaces the value under key.
func (t *Tier) Set(key, value string) error {
	const query = `INSERT INTO kv_strings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := t.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("sqlite: set %q: %w", key, err)
	}
	return nil
}

// Del removes key. Removing an absent key is not an error.
func (t *Tier) Del(key string) error {
	if _, err := t.db.Exec(`DELETE FROM kv_strings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: del %q: %w", key, err)
	}
	return nil
}

// Keys returns every stored key, ordered.
func (t *Tier) Keys() ([]string, error) {
	rows, err := t.db.Query(`SELECT key FROM kv_strings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite: keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Ping verifies the database is reachable.
func (t *Tier) Ping(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Package sqlite provides a SQLite-backed implementation of the
// storage contract, suitable for embedded chat clients.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meszmate/omemo-go/storage"

	_ "github.com/mattn/go-sqlite3"
)

// KV implements storage.KV on a single SQLite table.
type KV struct {
	db *sql.DB
}

// New opens (and if necessary creates) a SQLite-backed KV at dsn.
func New(dsn string) (*KV, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// WAL keeps writers from blocking the reader the app may hold open.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set WAL: %w", err)
	}
	// Durability before return is part of the storage contract.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set synchronous: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS omemo_kv (
			key   BLOB PRIMARY KEY,
			value BLOB NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create table: %w", err)
	}
	return &KV{db: db}, nil
}

// Close closes the underlying database.
func (k *KV) Close() error { return k.db.Close() }

func (k *KV) Load(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx,
		"SELECT value FROM omemo_kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load: %w", err)
	}
	return value, nil
}

func (k *KV) Store(ctx context.Context, key, value []byte) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO omemo_kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: store: %w", err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key []byte) error {
	if _, err := k.db.ExecContext(ctx,
		"DELETE FROM omemo_kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	return nil
}

func (k *KV) ListPrefix(ctx context.Context, prefix []byte) ([][]byte, error) {
	// Range scan on the primary key: prefix <= key < prefix+1.
	upper := prefixUpperBound(prefix)

	var rows *sql.Rows
	var err error
	if upper == nil {
		rows, err = k.db.QueryContext(ctx,
			"SELECT key FROM omemo_kv WHERE key >= ? ORDER BY key", prefix)
	} else {
		rows, err = k.db.QueryContext(ctx,
			"SELECT key FROM omemo_kv WHERE key >= ? AND key < ? ORDER BY key", prefix, upper)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var keys [][]byte
	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite: list scan: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// prefixUpperBound returns the smallest byte string greater than every
// string with the given prefix, or nil if no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

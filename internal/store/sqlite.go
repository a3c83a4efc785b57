package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps both buckets in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite initializes the database connection, creating directories and schema as needed.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_items (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (bucket, key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Name identifies the backend in diagnostics.
func (b *SQLiteBackend) Name() string { return "sqlite" }

// Get returns the raw value for key or ErrNotFound.
func (b *SQLiteBackend) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if b.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv_items WHERE bucket = ? AND key = ?;`, string(bucket), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

// Put stores or replaces the value for key.
func (b *SQLiteBackend) Put(ctx context.Context, bucket Bucket, key string, value []byte) error {
	if b.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if value == nil {
		value = []byte{}
	}

	_, err := b.db.ExecContext(
		ctx,
		`INSERT INTO kv_items (bucket, key, value, updated_at) VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		string(bucket),
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (b *SQLiteBackend) Delete(ctx context.Context, bucket Bucket, key string) error {
	if b.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv_items WHERE bucket = ? AND key = ?;`, string(bucket), key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Keys lists keys in bucket starting with prefix, ordered lexically.
func (b *SQLiteBackend) Keys(ctx context.Context, bucket Bucket, prefix string) ([]string, error) {
	if b.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := b.db.QueryContext(
		ctx,
		`SELECT key FROM kv_items WHERE bucket = ? AND substr(key, 1, ?) = ? ORDER BY key ASC;`,
		string(bucket),
		len(prefix),
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Close releases the underlying database handle.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

// SQLite is a file-backed implementation of Store.
// Suitable for single-node deployments that need counters to survive restarts.
type SQLite struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	// Path is the database file. Parent directories are created if missing.
	// Use ":memory:" for a throwaway database.
	Path string
}

// NewSQLite opens the database at config.Path, applies pragmas and creates the
// kv table if it does not exist.
func NewSQLite(ctx context.Context, config SQLiteConfig) (*SQLite, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if config.Path != ":memory:" {
		dir := filepath.Dir(config.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLite{db: db, path: config.Path}

	if err := s.configure(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) createSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Get returns the value stored for key.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if s.isClosed(err) {
		return "", false, ErrClosed
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get failed: %w", err)
	}
	return value, true, nil
}

// Put upserts value for key.
func (s *SQLite) Put(ctx context.Context, key, value string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if s.isClosed(err) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("sqlite put failed: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.PingContext(ctx)
	if s.isClosed(err) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("sqlite ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying database. Subsequent operations return ErrClosed.
func (s *SQLite) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

// isClosed reports whether err comes from a database closed underneath a call.
// database/sql does not export its closed-database error, so the flag set by
// Close is consulted as well.
func (s *SQLite) isClosed(err error) bool {
	return err != nil && (errors.Is(err, sql.ErrConnDone) || s.closed.Load())
}

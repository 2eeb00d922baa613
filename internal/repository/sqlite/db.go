// Package sqlite contains embedded-SQLite implementations of repository interfaces.
//
// The database is a single on-device file opened in WAL mode so several
// processes sharing the data directory can read during writes. Atomicity of
// the optimistic-write path (entity state + queue append) relies on SQLite
// transactions, not application locks.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/and161185/plansync/internal/migrate"
)

// DB wraps the SQLite connection shared by all repositories.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path, enables WAL, and
// applies pending migrations. The caller must Close when done.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := migrate.Up(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate up: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

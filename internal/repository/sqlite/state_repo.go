package sqlite

import (
	"context"
	"database/sql"
	"errors"
)

// StateRepo implements SyncStateRepository on SQLite.
type StateRepo struct{ db *DB }

// NewStateRepo constructs a sync-state repository.
func NewStateRepo(db *DB) *StateRepo { return &StateRepo{db: db} }

// Get loads a value by key, or "" if absent.
func (r *StateRepo) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Set stores a value by key.
func (r *StateRepo) Set(ctx context.Context, key, value string) error {
	const q = `INSERT INTO sync_state (key, value) VALUES (?, ?)
	           ON CONFLICT (key) DO UPDATE SET value=excluded.value`
	_, err := r.db.conn.ExecContext(ctx, q, key, value)
	return err
}

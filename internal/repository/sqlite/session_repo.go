package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
)

// SessionRepo implements SessionRepository on SQLite (single row, id = 1).
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

// Save overwrites the offline session.
func (r *SessionRepo) Save(ctx context.Context, s *model.OfflineSession) error {
	const q = `INSERT INTO offline_session (id, user_id, email, token, created_at, expires_at)
	           VALUES (1, ?, ?, ?, ?, ?)
	           ON CONFLICT (id) DO UPDATE SET
	             user_id=excluded.user_id, email=excluded.email, token=excluded.token,
	             created_at=excluded.created_at, expires_at=excluded.expires_at`
	_, err := r.db.conn.ExecContext(ctx, q,
		s.UserID.String(), s.Email, s.Token, s.CreatedAt.UnixMilli(), s.ExpiresAt.UnixMilli())
	return err
}

// Get loads the current session.
func (r *SessionRepo) Get(ctx context.Context) (*model.OfflineSession, error) {
	const q = `SELECT user_id, email, token, created_at, expires_at FROM offline_session WHERE id=1`
	var (
		s                    model.OfflineSession
		uid                  string
		createdAt, expiresAt int64
	)
	err := r.db.conn.QueryRowContext(ctx, q).Scan(&uid, &s.Email, &s.Token, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.UserID, err = uuid.FromString(uid)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &s, nil
}

// Clear removes the session.
func (r *SessionRepo) Clear(ctx context.Context) error {
	_, err := r.db.conn.ExecContext(ctx, `DELETE FROM offline_session WHERE id=1`)
	return err
}

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

// CredRepo implements CredentialRepository on SQLite. The table holds at most
// one row (id = 1); saving for a different user overwrites the previous record.
type CredRepo struct{ db *DB }

// NewCredRepo constructs a credential repository.
func NewCredRepo(db *DB) *CredRepo { return &CredRepo{db: db} }

// Save overwrites the single credential record.
func (r *CredRepo) Save(ctx context.Context, rec *model.CredentialRecord) error {
	const q = `INSERT INTO credential_record (id, user_id, email, proof, salt, cached_at)
	           VALUES (1, ?, ?, ?, ?, ?)
	           ON CONFLICT (id) DO UPDATE SET
	             user_id=excluded.user_id, email=excluded.email,
	             proof=excluded.proof, salt=excluded.salt, cached_at=excluded.cached_at`
	_, err := r.db.conn.ExecContext(ctx, q,
		rec.UserID.String(), rec.Email, rec.Proof, rec.Salt, rec.CachedAt.UnixMilli())
	return err
}

// Get loads the current record.
func (r *CredRepo) Get(ctx context.Context) (*model.CredentialRecord, error) {
	const q = `SELECT user_id, email, proof, salt, cached_at FROM credential_record WHERE id=1`
	var (
		rec      model.CredentialRecord
		uid      string
		cachedAt int64
	)
	err := r.db.conn.QueryRowContext(ctx, q).Scan(&uid, &rec.Email, &rec.Proof, &rec.Salt, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.UserID, err = uuid.FromString(uid)
	if err != nil {
		return nil, err
	}
	rec.CachedAt = time.UnixMilli(cachedAt).UTC()
	return &rec, nil
}

// Clear removes the record.
func (r *CredRepo) Clear(ctx context.Context) error {
	_, err := r.db.conn.ExecContext(ctx, `DELETE FROM credential_record WHERE id=1`)
	return err
}

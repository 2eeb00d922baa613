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

// EntityRepo implements EntityRepository on SQLite.
type EntityRepo struct{ db *DB }

// NewEntityRepo constructs an entity repository.
func NewEntityRepo(db *DB) *EntityRepo { return &EntityRepo{db: db} }

// ApplyLocal writes the optimistic entity state and appends the pending
// operation in one transaction. The next per-entity client_seq is assigned
// here, inside the transaction, so concurrent processes cannot race it.
func (r *EntityRepo) ApplyLocal(ctx context.Context, ent *model.Entity, op *model.PendingOperation) (err error) {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	const upsert = `INSERT INTO entities (type, id, payload, position, updated_at, deleted)
	                VALUES (?, ?, ?, ?, ?, ?)
	                ON CONFLICT (type, id) DO UPDATE SET
	                  payload=excluded.payload, position=excluded.position,
	                  updated_at=excluded.updated_at, deleted=excluded.deleted`
	deleted := 0
	if ent.Deleted {
		deleted = 1
	}
	if _, err = tx.ExecContext(ctx, upsert,
		ent.Type, ent.ID.String(), []byte(ent.Payload), ent.Position,
		ent.UpdatedAt.UnixMilli(), deleted); err != nil {
		return err
	}

	const nextSeq = `SELECT COALESCE(MAX(client_seq), 0) + 1 FROM pending_ops
	                 WHERE entity_type=? AND entity_id=?`
	if err = tx.QueryRowContext(ctx, nextSeq, op.EntityType, op.EntityID.String()).Scan(&op.ClientSeq); err != nil {
		return err
	}

	const ins = `INSERT INTO pending_ops (id, entity_type, entity_id, kind, payload, client_seq, enqueued_at)
	             VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, ins,
		op.ID.String(), op.EntityType, op.EntityID.String(), string(op.Kind),
		[]byte(op.Payload), op.ClientSeq, op.EnqueuedAt.UnixMilli())
	return err
}

// ApplyRemote applies a pulled change last-writer-wins: the row is only
// replaced when the remote timestamp is not older than the local one.
func (r *EntityRepo) ApplyRemote(ctx context.Context, ch *model.Change) error {
	const q = `INSERT INTO entities (type, id, payload, position, updated_at, deleted)
	           VALUES (?, ?, ?, ?, ?, ?)
	           ON CONFLICT (type, id) DO UPDATE SET
	             payload=excluded.payload, position=excluded.position,
	             updated_at=excluded.updated_at, deleted=excluded.deleted
	           WHERE excluded.updated_at >= entities.updated_at`
	deleted := 0
	payload := []byte(ch.Payload)
	if ch.Deleted {
		deleted = 1
		if payload == nil {
			payload = []byte(`{}`)
		}
	}
	_, err := r.db.conn.ExecContext(ctx, q,
		ch.EntityType, ch.EntityID.String(), payload, ch.Position,
		ch.UpdatedAt.UnixMilli(), deleted)
	return err
}

// Get loads a cached entity.
func (r *EntityRepo) Get(ctx context.Context, typ string, id uuid.UUID) (*model.Entity, error) {
	const q = `SELECT payload, position, updated_at, deleted FROM entities WHERE type=? AND id=?`
	var (
		ent       model.Entity
		updatedAt int64
		deleted   int
	)
	err := r.db.conn.QueryRowContext(ctx, q, typ, id.String()).
		Scan(&ent.Payload, &ent.Position, &updatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ent.Type, ent.ID = typ, id
	ent.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	ent.Deleted = deleted != 0
	return &ent, nil
}

// List returns all live entities of a type ordered by position.
func (r *EntityRepo) List(ctx context.Context, typ string) ([]model.Entity, error) {
	const q = `SELECT id, payload, position, updated_at FROM entities
	           WHERE type=? AND deleted=0 ORDER BY position, id`
	rows, err := r.db.conn.QueryContext(ctx, q, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var (
			ent       model.Entity
			id        string
			updatedAt int64
		)
		if err := rows.Scan(&id, &ent.Payload, &ent.Position, &updatedAt); err != nil {
			return nil, err
		}
		if ent.ID, err = uuid.FromString(id); err != nil {
			return nil, err
		}
		ent.Type = typ
		ent.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, ent)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/plansync/internal/model"
)

// QueueRepo implements QueueRepository on SQLite. Rows are appended by
// EntityRepo.ApplyLocal inside the same transaction as the entity write;
// this repository only reads and removes them.
type QueueRepo struct{ db *DB }

// NewQueueRepo constructs a queue repository.
func NewQueueRepo(db *DB) *QueueRepo { return &QueueRepo{db: db} }

// PeekBatch returns up to limit operations in submission order. rowid is the
// insertion order, which by construction is also client_seq order per entity.
func (r *QueueRepo) PeekBatch(ctx context.Context, limit int) ([]model.PendingOperation, error) {
	const q = `SELECT id, entity_type, entity_id, kind, payload, client_seq, enqueued_at
	           FROM pending_ops ORDER BY rowid LIMIT ?`
	rows, err := r.db.conn.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.PendingOperation
	for rows.Next() {
		var (
			op         model.PendingOperation
			id, eid    string
			kind       string
			enqueuedAt int64
		)
		if err := rows.Scan(&id, &op.EntityType, &eid, &kind, &op.Payload, &op.ClientSeq, &enqueuedAt); err != nil {
			return nil, err
		}
		if op.ID, err = uuid.FromString(id); err != nil {
			return nil, err
		}
		if op.EntityID, err = uuid.FromString(eid); err != nil {
			return nil, err
		}
		op.Kind = model.OpKind(kind)
		op.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Ack removes confirmed operations by ID.
func (r *QueueRepo) Ack(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id.String())
	}
	q := `DELETE FROM pending_ops WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	_, err := r.db.conn.ExecContext(ctx, q, args...)
	return err
}

// Count returns the number of queued operations.
func (r *QueueRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&n)
	return n, err
}

// ClearAll removes all queued operations and returns the count removed.
func (r *QueueRepo) ClearAll(ctx context.Context) (int, error) {
	res, err := r.db.conn.ExecContext(ctx, `DELETE FROM pending_ops`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

package service

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/model"
	"github.com/and161185/plansync/internal/repository"
)

// Queue is the durable, ordered log of local mutations not yet confirmed by
// the remote backend. Appending happens on the entity-store write path (one
// transaction with the optimistic cache write); this service reads, acks,
// and — on the revocation path only — discards.
type Queue struct {
	repo   repository.QueueRepository
	logger *zap.Logger
}

// NewQueue constructs the pending sync queue service.
func NewQueue(repo repository.QueueRepository, logger *zap.Logger) *Queue {
	return &Queue{repo: repo, logger: logger}
}

// PeekBatch returns up to limit operations in submission order.
func (q *Queue) PeekBatch(ctx context.Context, limit int) ([]model.PendingOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.repo.PeekBatch(ctx, limit)
}

// Ack removes operations the backend has confirmed. Operations are never
// removed speculatively.
func (q *Queue) Ack(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if id == uuid.Nil {
			return errors.New("validation: empty op id")
		}
	}
	return q.repo.Ack(ctx, ids)
}

// Count returns the number of queued operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.repo.Count(ctx)
}

// ClearAll discards every queued operation and returns the count removed.
// Callers are the security-failure path and explicit sign-out; the discarded
// count is logged for audit.
func (q *Queue) ClearAll(ctx context.Context) (int, error) {
	n, err := q.repo.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("pending queue cleared", zap.Int("discarded", n))
	}
	return n, nil
}

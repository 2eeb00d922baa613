// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/plansync/internal/model"
)

// CredentialRepository stores the single cached credential record per device.
type CredentialRepository interface {
	// Save overwrites the credential record.
	Save(ctx context.Context, rec *model.CredentialRecord) error
	// Get loads the current record, or errs.ErrNotFound.
	Get(ctx context.Context) (*model.CredentialRecord, error)
	// Clear removes the record. Clearing an absent record is not an error.
	Clear(ctx context.Context) error
}

// SessionRepository stores the single offline session per device.
type SessionRepository interface {
	// Save overwrites the offline session.
	Save(ctx context.Context, s *model.OfflineSession) error
	// Get loads the current session, or errs.ErrNotFound.
	Get(ctx context.Context) (*model.OfflineSession, error)
	// Clear removes the session. Clearing an absent session is not an error.
	Clear(ctx context.Context) error
}

// QueueRepository provides ordered access to pending operations.
type QueueRepository interface {
	// PeekBatch returns up to limit operations in submission order
	// (enqueue order overall, client_seq order per entity).
	PeekBatch(ctx context.Context, limit int) ([]model.PendingOperation, error)
	// Ack removes confirmed operations by ID.
	Ack(ctx context.Context, ids []uuid.UUID) error
	// Count returns the number of queued operations.
	Count(ctx context.Context) (int, error)
	// ClearAll removes every queued operation and returns the count removed.
	ClearAll(ctx context.Context) (int, error)
}

// EntityRepository provides access to the local entity cache. ApplyLocal is
// the write path for optimistic local mutations: the cache write and the
// queue append happen in one transaction so two processes never observe a
// torn record.
type EntityRepository interface {
	// ApplyLocal writes the entity state and appends op to the pending queue
	// atomically, assigning the next per-entity client_seq to op.
	ApplyLocal(ctx context.Context, ent *model.Entity, op *model.PendingOperation) error
	// ApplyRemote writes remotely pulled state without touching the queue.
	ApplyRemote(ctx context.Context, ch *model.Change) error
	// Get loads a cached entity, or errs.ErrNotFound.
	Get(ctx context.Context, typ string, id uuid.UUID) (*model.Entity, error)
	// List returns all live (non-deleted) entities of a type ordered by position.
	List(ctx context.Context, typ string) ([]model.Entity, error)
}

// SyncStateRepository stores scalar sync bookkeeping such as the pull watermark.
type SyncStateRepository interface {
	// Get loads a value by key, or "" if absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a value by key.
	Set(ctx context.Context, key, value string) error
}

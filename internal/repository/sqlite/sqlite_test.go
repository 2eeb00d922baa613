package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "plansync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.Must(uuid.NewV4())
}

func TestCredRepo_SingleRecordOverwrite(t *testing.T) {
	db := newTestDB(t)
	r := NewCredRepo(db)
	ctx := context.Background()

	_, err := r.Get(ctx)
	require.ErrorIs(t, err, errs.ErrNotFound)

	first := &model.CredentialRecord{
		UserID: mustUUID(t), Email: "a@example.com",
		Proof: []byte("p1"), Salt: []byte("s1"), CachedAt: time.Now().UTC(),
	}
	require.NoError(t, r.Save(ctx, first))

	second := &model.CredentialRecord{
		UserID: mustUUID(t), Email: "b@example.com",
		Proof: []byte("p2"), Salt: []byte("s2"), CachedAt: time.Now().UTC(),
	}
	require.NoError(t, r.Save(ctx, second))

	got, err := r.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, second.UserID, got.UserID)
	require.Equal(t, "b@example.com", got.Email)
	require.Equal(t, []byte("p2"), got.Proof)

	require.NoError(t, r.Clear(ctx))
	_, err = r.Get(ctx)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// clearing twice is not an error
	require.NoError(t, r.Clear(ctx))
}

func TestSessionRepo_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	r := NewSessionRepo(db)
	ctx := context.Background()

	s := &model.OfflineSession{
		UserID: mustUUID(t), Email: "a@example.com", Token: "tok",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond),
	}
	require.NoError(t, r.Save(ctx, s))

	got, err := r.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, s.UserID, got.UserID)
	require.Equal(t, s.Token, got.Token)
	require.True(t, s.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, r.Clear(ctx))
	_, err = r.Get(ctx)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func applyOp(t *testing.T, er *EntityRepo, typ string, id uuid.UUID, kind model.OpKind, body string) *model.PendingOperation {
	t.Helper()
	now := time.Now().UTC()
	ent := &model.Entity{
		Type: typ, ID: id, Payload: json.RawMessage(body),
		UpdatedAt: now, Deleted: kind == model.OpDelete,
	}
	op := &model.PendingOperation{
		ID: mustUUID(t), EntityType: typ, EntityID: id,
		Kind: kind, Payload: json.RawMessage(body), EnqueuedAt: now,
	}
	require.NoError(t, er.ApplyLocal(context.Background(), ent, op))
	return op
}

func TestEntityRepo_ApplyLocal_AssignsPerEntityClientSeq(t *testing.T) {
	db := newTestDB(t)
	er := NewEntityRepo(db)

	taskA := mustUUID(t)
	taskB := mustUUID(t)

	op1 := applyOp(t, er, "tasks", taskA, model.OpCreate, `{"title":"one"}`)
	op2 := applyOp(t, er, "tasks", taskA, model.OpUpdate, `{"title":"one!"}`)
	op3 := applyOp(t, er, "tasks", taskB, model.OpCreate, `{"title":"two"}`)

	require.Equal(t, int64(1), op1.ClientSeq)
	require.Equal(t, int64(2), op2.ClientSeq)
	require.Equal(t, int64(1), op3.ClientSeq, "client_seq is per entity, not global")
}

func TestQueueRepo_PeekAckClear(t *testing.T) {
	db := newTestDB(t)
	er := NewEntityRepo(db)
	qr := NewQueueRepo(db)
	ctx := context.Background()

	id := mustUUID(t)
	op1 := applyOp(t, er, "goals", id, model.OpCreate, `{"n":1}`)
	op2 := applyOp(t, er, "goals", id, model.OpUpdate, `{"n":2}`)
	op3 := applyOp(t, er, "goals", id, model.OpDelete, `{}`)

	ops, err := qr.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, op1.ID, ops[0].ID)
	require.Equal(t, op2.ID, ops[1].ID)
	require.Equal(t, op3.ID, ops[2].ID)
	require.Equal(t, model.OpDelete, ops[2].Kind)

	n, err := qr.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, qr.Ack(ctx, []uuid.UUID{op1.ID, op2.ID}))
	ops, err = qr.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, op3.ID, ops[0].ID)

	// acking the same ids again is a no-op
	require.NoError(t, qr.Ack(ctx, []uuid.UUID{op1.ID}))

	removed, err := qr.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	n, err = qr.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEntityRepo_ApplyRemote_LastWriterWins(t *testing.T) {
	db := newTestDB(t)
	er := NewEntityRepo(db)
	ctx := context.Background()

	id := mustUUID(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, er.ApplyRemote(ctx, &model.Change{
		EntityType: "tasks", EntityID: id,
		Payload: json.RawMessage(`{"title":"new"}`), UpdatedAt: base,
	}))

	// older remote write loses
	require.NoError(t, er.ApplyRemote(ctx, &model.Change{
		EntityType: "tasks", EntityID: id,
		Payload: json.RawMessage(`{"title":"stale"}`), UpdatedAt: base.Add(-time.Minute),
	}))
	got, err := er.Get(ctx, "tasks", id)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"new"}`, string(got.Payload))

	// newer remote delete wins and tombstones
	require.NoError(t, er.ApplyRemote(ctx, &model.Change{
		EntityType: "tasks", EntityID: id,
		Deleted: true, UpdatedAt: base.Add(time.Minute),
	}))
	got, err = er.Get(ctx, "tasks", id)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	live, err := er.List(ctx, "tasks")
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestEntityRepo_List_OrdersByPosition(t *testing.T) {
	db := newTestDB(t)
	er := NewEntityRepo(db)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, pos := range []int64{3, 1, 2} {
		require.NoError(t, er.ApplyRemote(ctx, &model.Change{
			EntityType: "lists", EntityID: mustUUID(t),
			Payload:  json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`),
			Position: pos, UpdatedAt: now,
		}))
	}

	out, err := er.List(ctx, "lists")
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, int64(1), out[0].Position)
	require.Equal(t, int64(2), out[1].Position)
	require.Equal(t, int64(3), out[2].Position)
}

func TestStateRepo_GetSet(t *testing.T) {
	db := newTestDB(t)
	r := NewStateRepo(db)
	ctx := context.Background()

	v, err := r.Get(ctx, "watermark")
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, r.Set(ctx, "watermark", "42"))
	require.NoError(t, r.Set(ctx, "watermark", "43"))

	v, err = r.Get(ctx, "watermark")
	require.NoError(t, err)
	require.Equal(t, "43", v)
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/backend"
	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
	"github.com/and161185/plansync/internal/repository"
)

type memQueue struct {
	mu  sync.Mutex
	ops []model.PendingOperation
}

var _ PendingQueue = (*memQueue)(nil)

func (q *memQueue) PeekBatch(_ context.Context, limit int) ([]model.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.ops) {
		limit = len(q.ops)
	}
	return append([]model.PendingOperation(nil), q.ops[:limit]...), nil
}
func (q *memQueue) Ack(_ context.Context, ids []uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	keep := q.ops[:0]
	for _, op := range q.ops {
		acked := false
		for _, id := range ids {
			if op.ID == id {
				acked = true
			}
		}
		if !acked {
			keep = append(keep, op)
		}
	}
	q.ops = keep
	return nil
}
func (q *memQueue) Count(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops), nil
}

type memEntities struct {
	mu      sync.Mutex
	applied []model.Change
}

var _ repository.EntityRepository = (*memEntities)(nil)

func (m *memEntities) ApplyLocal(context.Context, *model.Entity, *model.PendingOperation) error {
	return errors.New("not used")
}
func (m *memEntities) ApplyRemote(_ context.Context, ch *model.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, *ch)
	return nil
}
func (m *memEntities) Get(context.Context, string, uuid.UUID) (*model.Entity, error) {
	return nil, errs.ErrNotFound
}
func (m *memEntities) List(context.Context, string) ([]model.Entity, error) { return nil, nil }

type memState struct {
	mu sync.Mutex
	kv map[string]string
}

var _ repository.SyncStateRepository = (*memState)(nil)

func (m *memState) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key], nil
}
func (m *memState) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv == nil {
		m.kv = map[string]string{}
	}
	m.kv[key] = value
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	pushed   []model.PendingOperation
	pushErr  map[string]error // entity key -> error returned on every push
	pushGate chan struct{}    // non-nil: pushes wait here

	pullChanges []model.Change
	pullWM      string
	pullErr     error
	pullCalls   int
}

var _ backend.Client = (*fakeBackend)(nil)

func entityKey(op model.PendingOperation) string {
	return op.EntityType + "/" + op.EntityID.String()
}

func (f *fakeBackend) SignIn(context.Context, string, []byte) (*model.RemoteSession, error) {
	return nil, errs.ErrUnauthorized
}
func (f *fakeBackend) GetSession(context.Context) (*model.RemoteSession, error) {
	return nil, errs.ErrUnauthorized
}
func (f *fakeBackend) ValidateSession(context.Context, uuid.UUID) (*model.RemoteSession, error) {
	return nil, errs.ErrUnauthorized
}
func (f *fakeBackend) Push(ctx context.Context, op model.PendingOperation) error {
	f.mu.Lock()
	gate := f.pushGate
	err := f.pushErr[entityKey(op)]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.pushed = append(f.pushed, op)
	f.mu.Unlock()
	return nil
}
func (f *fakeBackend) Pull(context.Context, string) ([]model.Change, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if f.pullErr != nil {
		return nil, "", f.pullErr
	}
	return append([]model.Change(nil), f.pullChanges...), f.pullWM, nil
}
func (f *fakeBackend) SignOut(context.Context) error { return nil }

func op(t *testing.T, typ string, eid uuid.UUID, kind model.OpKind, seq int64) model.PendingOperation {
	t.Helper()
	return model.PendingOperation{
		ID:         uuid.Must(uuid.NewV4()),
		EntityType: typ,
		EntityID:   eid,
		Kind:       kind,
		Payload:    json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
		ClientSeq:  seq,
		EnqueuedAt: time.Now().UTC(),
	}
}

func newScheduler(q *memQueue, be *fakeBackend) (*Scheduler, *memEntities, *memState) {
	ents := &memEntities{}
	st := &memState{}
	s := New(q, ents, st, be, zap.NewNop())
	s.backoffBase = time.Millisecond
	s.maxRetries = 1
	s.Start()
	return s, ents, st
}

func TestFullSync_BlockedUntilReconnectValidated(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{}
	s, _, _ := newScheduler(&memQueue{}, be)

	s.MarkOffline()
	if err := s.FullSync(context.Background(), false); !errors.Is(err, errs.ErrSyncBlocked) {
		t.Fatalf("got %v, want ErrSyncBlocked", err)
	}
	if be.pullCalls != 0 {
		t.Fatalf("nothing may reach the backend while blocked")
	}

	s.MarkValidated()
	if err := s.FullSync(context.Background(), false); err != nil {
		t.Fatalf("FullSync after validation: %v", err)
	}
	if be.pullCalls != 1 {
		t.Fatalf("pullCalls=%d, want 1", be.pullCalls)
	}
}

func TestFullSync_PushesPerEntityInOrderAndAcks(t *testing.T) {
	t.Parallel()
	a := uuid.Must(uuid.NewV4())
	b := uuid.Must(uuid.NewV4())
	q := &memQueue{}
	q.ops = []model.PendingOperation{
		op(t, "tasks", a, model.OpCreate, 1),
		op(t, "tasks", a, model.OpUpdate, 2),
		op(t, "goals", b, model.OpCreate, 1),
		op(t, "tasks", a, model.OpDelete, 3),
	}
	be := &fakeBackend{}
	s, _, _ := newScheduler(q, be)

	if err := s.FullSync(context.Background(), false); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if n, _ := q.Count(context.Background()); n != 0 {
		t.Fatalf("queue not drained: %d left", n)
	}

	var taskSeqs []int64
	for _, p := range be.pushed {
		if p.EntityID == a {
			taskSeqs = append(taskSeqs, p.ClientSeq)
		}
	}
	if len(taskSeqs) != 3 || taskSeqs[0] != 1 || taskSeqs[1] != 2 || taskSeqs[2] != 3 {
		t.Fatalf("per-entity order violated: %v", taskSeqs)
	}

	st := s.Status()
	if st.State != model.SyncIdle || st.PendingCount != 0 || st.LastError != "" {
		t.Fatalf("status: %+v", st)
	}
	if st.LastSyncAt.IsZero() {
		t.Fatalf("LastSyncAt not recorded")
	}
}

func TestFullSync_TransientFailureBlocksOnlyThatEntity(t *testing.T) {
	t.Parallel()
	a := uuid.Must(uuid.NewV4())
	b := uuid.Must(uuid.NewV4())
	q := &memQueue{}
	q.ops = []model.PendingOperation{
		op(t, "tasks", a, model.OpUpdate, 1),
		op(t, "tasks", a, model.OpDelete, 2),
		op(t, "goals", b, model.OpCreate, 1),
	}
	be := &fakeBackend{pushErr: map[string]error{
		"tasks/" + a.String(): fmt.Errorf("503: %w", errs.ErrTransient),
	}}
	s, _, _ := newScheduler(q, be)

	err := s.FullSync(context.Background(), false)
	if !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("got %v, want wrapped ErrTransient", err)
	}

	// both ops for the failed entity stay queued, in order; the other entity flushed
	n, _ := q.Count(context.Background())
	if n != 2 {
		t.Fatalf("queued=%d, want 2 (failed entity keeps its ops)", n)
	}
	if len(be.pushed) != 1 || be.pushed[0].EntityID != b {
		t.Fatalf("pushed=%v, want only the healthy entity", be.pushed)
	}

	st := s.Status()
	if st.LastError == "" || st.PendingCount != 2 {
		t.Fatalf("status must report the passive pending indicator: %+v", st)
	}
}

func TestFullSync_DrainsQueueLargerThanOneBatch(t *testing.T) {
	t.Parallel()
	q := &memQueue{}
	for i := 0; i < defaultBatch+50; i++ {
		q.ops = append(q.ops, op(t, "tasks", uuid.Must(uuid.NewV4()), model.OpCreate, 1))
	}
	be := &fakeBackend{}
	s, _, _ := newScheduler(q, be)

	if err := s.FullSync(context.Background(), false); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if n, _ := q.Count(context.Background()); n != 0 {
		t.Fatalf("queue not drained: %d left", n)
	}
	if len(be.pushed) != defaultBatch+50 {
		t.Fatalf("pushed=%d, want %d", len(be.pushed), defaultBatch+50)
	}
	if st := s.Status(); st.PendingCount != 0 {
		t.Fatalf("PendingCount=%d after a clean cycle", st.PendingCount)
	}
}

func TestFullSync_BlockedStillReportsPendingCount(t *testing.T) {
	t.Parallel()
	a := uuid.Must(uuid.NewV4())
	q := &memQueue{ops: []model.PendingOperation{
		op(t, "tasks", a, model.OpCreate, 1),
		op(t, "tasks", a, model.OpUpdate, 2),
		op(t, "tasks", a, model.OpDelete, 3),
	}}
	be := &fakeBackend{}
	s, _, _ := newScheduler(q, be)
	s.MarkOffline()

	if err := s.FullSync(context.Background(), false); !errors.Is(err, errs.ErrSyncBlocked) {
		t.Fatalf("got %v, want ErrSyncBlocked", err)
	}
	if st := s.Status(); st.PendingCount != 3 {
		t.Fatalf("PendingCount=%d, want 3 while blocked", st.PendingCount)
	}
	if be.pullCalls != 0 || len(be.pushed) != 0 {
		t.Fatalf("nothing may reach the backend while blocked")
	}
}

func TestFullSync_SingleFlightWithTrailingForce(t *testing.T) {
	t.Parallel()
	a := uuid.Must(uuid.NewV4())
	q := &memQueue{ops: []model.PendingOperation{op(t, "tasks", a, model.OpCreate, 1)}}
	gate := make(chan struct{})
	be := &fakeBackend{pushGate: gate}
	s, _, _ := newScheduler(q, be)

	done := make(chan error, 1)
	go func() { done <- s.FullSync(context.Background(), false) }()

	// wait for the cycle to be in flight
	for {
		s.mu.Lock()
		syncing := s.syncing
		s.mu.Unlock()
		if syncing {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.FullSync(context.Background(), false); err != nil {
		t.Fatalf("overlapping non-forced FullSync: %v", err)
	}
	if err := s.FullSync(context.Background(), true); err != nil {
		t.Fatalf("overlapping forced FullSync: %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	// first cycle + exactly one coalesced follow-up
	if be.pullCalls != 2 {
		t.Fatalf("pullCalls=%d, want 2", be.pullCalls)
	}
}

func TestFullSync_PullAppliesChangesAndAdvancesWatermark(t *testing.T) {
	t.Parallel()
	eid := uuid.Must(uuid.NewV4())
	be := &fakeBackend{
		pullChanges: []model.Change{{
			EntityType: "routines", EntityID: eid,
			Payload: json.RawMessage(`{"name":"morning"}`), UpdatedAt: time.Now().UTC(),
		}},
		pullWM: "wm-7",
	}
	s, ents, st := newScheduler(&memQueue{}, be)

	var notified []model.Change
	s.SubscribeChanges(func(chs []model.Change) { notified = append(notified, chs...) })

	if err := s.FullSync(context.Background(), false); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if len(ents.applied) != 1 || ents.applied[0].EntityID != eid {
		t.Fatalf("applied=%v", ents.applied)
	}
	if wm, _ := st.Get(context.Background(), "watermark"); wm != "wm-7" {
		t.Fatalf("watermark=%q, want wm-7", wm)
	}
	if len(notified) != 1 {
		t.Fatalf("subscribers must see remotely-applied changes")
	}
}

func TestFullSync_StoppedSchedulerDoesNothing(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{}
	s, _, _ := newScheduler(&memQueue{}, be)
	s.Stop()

	if err := s.FullSync(context.Background(), true); err != nil {
		t.Fatalf("FullSync after Stop: %v", err)
	}
	if be.pullCalls != 0 {
		t.Fatalf("stopped scheduler must not touch the backend")
	}
}

func TestFullSync_UnauthorizedPushAbortsCycle(t *testing.T) {
	t.Parallel()
	a := uuid.Must(uuid.NewV4())
	b := uuid.Must(uuid.NewV4())
	q := &memQueue{ops: []model.PendingOperation{
		op(t, "tasks", a, model.OpUpdate, 1),
		op(t, "goals", b, model.OpCreate, 1),
	}}
	be := &fakeBackend{pushErr: map[string]error{
		"tasks/" + a.String(): errs.ErrUnauthorized,
	}}
	s, _, _ := newScheduler(q, be)

	err := s.FullSync(context.Background(), false)
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if len(be.pushed) != 0 {
		t.Fatalf("identity failure must abort the push loop, pushed=%v", be.pushed)
	}
	if n, _ := q.Count(context.Background()); n != 2 {
		t.Fatalf("nothing may be dropped on an aborted cycle, queued=%d", n)
	}
}

// Package entitystore exposes the locally cached planner collections.
// Every mutation is applied to the local cache and enqueued for upload in
// one transaction, so the UI always reads its own writes and nothing is
// lost when the device is offline.
package entitystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/model"
	"github.com/and161185/plansync/internal/repository"
)

// Entity types held by the planner.
const (
	TypeGoal    = "goals"
	TypeTask    = "tasks"
	TypeList    = "lists"
	TypeRoutine = "routines"
)

// Trigger requests a background sync after a local mutation. Implementations
// must not block the caller.
type Trigger interface {
	Kick()
}

// Store is the shared cache over all planner collections. Per-type access
// goes through Collection façades.
type Store struct {
	repo    repository.EntityRepository
	trigger Trigger
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[string][]func()
}

// New constructs a store. trigger may be nil during wiring; mutations then
// stay queued until the next scheduled sync.
func New(repo repository.EntityRepository, trigger Trigger, logger *zap.Logger) *Store {
	return &Store{
		repo:    repo,
		trigger: trigger,
		logger:  logger,
		subs:    map[string][]func(){},
	}
}

// SetTrigger wires the sync trigger after construction.
func (s *Store) SetTrigger(trigger Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = trigger
}

// Goals returns the goals collection.
func (s *Store) Goals() Collection { return Collection{s: s, typ: TypeGoal} }

// Tasks returns the tasks collection.
func (s *Store) Tasks() Collection { return Collection{s: s, typ: TypeTask} }

// Lists returns the lists collection.
func (s *Store) Lists() Collection { return Collection{s: s, typ: TypeList} }

// Routines returns the routines collection.
func (s *Store) Routines() Collection { return Collection{s: s, typ: TypeRoutine} }

// Subscribe registers a callback fired whenever typ's collection changes,
// locally or remotely.
func (s *Store) Subscribe(typ string, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[typ] = append(s.subs[typ], cb)
}

// OnRemoteChanges notifies subscribers about remotely-applied changes. It is
// wired to the sync scheduler's change feed.
func (s *Store) OnRemoteChanges(changes []model.Change) {
	seen := map[string]bool{}
	for _, ch := range changes {
		seen[ch.EntityType] = true
	}
	for typ := range seen {
		s.notify(typ)
	}
}

// NotifyAll refreshes every subscribed collection. Used when another app
// instance reports that it changed the shared cache.
func (s *Store) NotifyAll() {
	s.mu.Lock()
	types := make([]string, 0, len(s.subs))
	for typ := range s.subs {
		types = append(types, typ)
	}
	s.mu.Unlock()
	for _, typ := range types {
		s.notify(typ)
	}
}

func (s *Store) notify(typ string) {
	s.mu.Lock()
	subs := make([]func(), len(s.subs[typ]))
	copy(subs, s.subs[typ])
	s.mu.Unlock()
	for _, cb := range subs {
		cb()
	}
}

func (s *Store) kick() {
	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()
	if trigger != nil {
		trigger.Kick()
	}
}

// Collection is the typed façade over one entity type.
type Collection struct {
	s   *Store
	typ string
}

// List returns live (non-tombstoned) entities ordered by position.
func (c Collection) List(ctx context.Context) ([]model.Entity, error) {
	return c.s.repo.List(ctx, c.typ)
}

// Get returns one entity, tombstoned or not.
func (c Collection) Get(ctx context.Context, id uuid.UUID) (*model.Entity, error) {
	if id.IsNil() {
		return nil, errors.New("validation: empty id")
	}
	return c.s.repo.Get(ctx, c.typ, id)
}

// Create caches a new entity and queues its upload.
func (c Collection) Create(ctx context.Context, payload json.RawMessage, position int64) (*model.Entity, error) {
	if len(payload) == 0 {
		return nil, errors.New("validation: empty payload")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	ent := &model.Entity{
		Type:      c.typ,
		ID:        id,
		Payload:   payload,
		Position:  position,
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.apply(ctx, ent, model.OpCreate, payload); err != nil {
		return nil, err
	}
	return ent, nil
}

// Update replaces an entity's payload and queues the upload.
func (c Collection) Update(ctx context.Context, id uuid.UUID, payload json.RawMessage) (*model.Entity, error) {
	if id.IsNil() || len(payload) == 0 {
		return nil, errors.New("validation: empty id/payload")
	}
	cur, err := c.s.repo.Get(ctx, c.typ, id)
	if err != nil {
		return nil, err
	}

	cur.Payload = payload
	cur.UpdatedAt = time.Now().UTC()
	if err := c.apply(ctx, cur, model.OpUpdate, payload); err != nil {
		return nil, err
	}
	return cur, nil
}

// Delete tombstones an entity and queues the upload.
func (c Collection) Delete(ctx context.Context, id uuid.UUID) error {
	if id.IsNil() {
		return errors.New("validation: empty id")
	}
	cur, err := c.s.repo.Get(ctx, c.typ, id)
	if err != nil {
		return err
	}

	cur.Deleted = true
	cur.UpdatedAt = time.Now().UTC()
	return c.apply(ctx, cur, model.OpDelete, nil)
}

// Reorder moves an entity to a new position among its siblings.
func (c Collection) Reorder(ctx context.Context, id uuid.UUID, position int64) error {
	if id.IsNil() {
		return errors.New("validation: empty id")
	}
	cur, err := c.s.repo.Get(ctx, c.typ, id)
	if err != nil {
		return err
	}

	cur.Position = position
	cur.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(map[string]int64{"position": position})
	if err != nil {
		return fmt.Errorf("marshal reorder payload: %w", err)
	}
	return c.apply(ctx, cur, model.OpReorder, payload)
}

// apply writes the entity and its pending operation atomically, then
// notifies subscribers and kicks the scheduler.
func (c Collection) apply(ctx context.Context, ent *model.Entity, kind model.OpKind, payload json.RawMessage) error {
	opID, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("generate op id: %w", err)
	}
	op := &model.PendingOperation{
		ID:         opID,
		EntityType: c.typ,
		EntityID:   ent.ID,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	if err := c.s.repo.ApplyLocal(ctx, ent, op); err != nil {
		return fmt.Errorf("apply %s %s/%s: %w", kind, c.typ, ent.ID, err)
	}

	c.s.logger.Debug("local mutation queued",
		zap.String("entity", c.typ+"/"+ent.ID.String()),
		zap.String("kind", string(kind)),
		zap.Int64("clientSeq", op.ClientSeq),
	)

	c.s.notify(c.typ)
	c.s.kick()
	return nil
}

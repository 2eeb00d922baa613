// Package scheduler owns the single-flight sync cycle: push queued local
// mutations to the remote backend, pull remote deltas, apply them to the
// local cache, and notify entity stores about remotely-originated changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/backend"
	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
	"github.com/and161185/plansync/internal/repository"
)

const defaultBatch = 200

// PendingQueue is the slice of the queue service the scheduler needs.
type PendingQueue interface {
	PeekBatch(ctx context.Context, limit int) ([]model.PendingOperation, error)
	Ack(ctx context.Context, ids []uuid.UUID) error
	Count(ctx context.Context) (int, error)
}

// Scheduler runs full sync cycles. At most one cycle is active at a time;
// a second FullSync during an active cycle either schedules one trailing
// follow-up pass (force) or is dropped.
type Scheduler struct {
	queue    PendingQueue
	entities repository.EntityRepository
	state    repository.SyncStateRepository
	backend  backend.Client
	logger   *zap.Logger

	mu         sync.Mutex
	started    bool
	syncing    bool
	followUp   bool
	validated  bool // has the current offline→online transition been authenticated
	wasOffline bool

	status     model.SyncStatus
	statusSubs []func(model.SyncStatus)
	changeSubs []func([]model.Change)

	backoffBase time.Duration
	maxRetries  uint64
}

// New constructs a scheduler.
func New(queue PendingQueue, entities repository.EntityRepository, state repository.SyncStateRepository, be backend.Client, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		queue:       queue,
		entities:    entities,
		state:       state,
		backend:     be,
		logger:      logger,
		backoffBase: 250 * time.Millisecond,
		maxRetries:  3,
	}
}

// Start begins accepting sync triggers. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

// Stop halts all scheduled activity. Used on sign-out.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.validated = false
}

// MarkOffline records that the device lost connectivity: any queued work is
// now blocked until the reconnect has been validated.
func (s *Scheduler) MarkOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasOffline = true
	s.validated = false
}

// MarkValidated unblocks sync after a successful reconnect validation (or a
// cold start that was online and authenticated all along).
func (s *Scheduler) MarkValidated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validated = true
	s.wasOffline = false
}

// Status returns a snapshot of the passive sync indicator.
func (s *Scheduler) Status() model.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SubscribeStatus registers a callback invoked after every status change.
func (s *Scheduler) SubscribeStatus(cb func(model.SyncStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusSubs = append(s.statusSubs, cb)
}

// SubscribeChanges registers a callback invoked with remotely-applied
// changes, so consumers can distinguish them from the user's own actions.
func (s *Scheduler) SubscribeChanges(cb func([]model.Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeSubs = append(s.changeSubs, cb)
}

// FullSync runs one push-then-pull cycle. If a cycle is already in progress
// it either schedules a single trailing follow-up (force) or no-ops. The
// cycle refuses to run while the offline→online transition has not been
// validated.
func (s *Scheduler) FullSync(ctx context.Context, force bool) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.syncing {
		if force {
			s.followUp = true
		}
		s.mu.Unlock()
		return nil
	}
	if s.wasOffline && !s.validated {
		s.mu.Unlock()
		// the indicator still has to reflect work queued while blocked
		if pending, err := s.queue.Count(ctx); err == nil {
			s.setStatus(func(st *model.SyncStatus) { st.PendingCount = pending })
		}
		return errs.ErrSyncBlocked
	}
	s.syncing = true
	s.mu.Unlock()

	err := s.runCycle(ctx)

	s.mu.Lock()
	s.syncing = false
	follow := s.followUp
	s.followUp = false
	s.mu.Unlock()

	if follow {
		if ferr := s.FullSync(ctx, false); err == nil {
			err = ferr
		}
	}
	return err
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	s.setStatus(func(st *model.SyncStatus) { st.State = model.SyncRunning })

	pushErr := s.push(ctx)
	pullErr := s.pull(ctx)

	pending, _ := s.queue.Count(ctx)
	s.setStatus(func(st *model.SyncStatus) {
		st.State = model.SyncIdle
		st.PendingCount = pending
		st.LastError = ""
		if pushErr != nil {
			st.LastError = pushErr.Error()
		} else if pullErr != nil {
			st.LastError = pullErr.Error()
		}
		if pushErr == nil && pullErr == nil {
			st.LastSyncAt = time.Now().UTC()
		}
	})

	if pushErr != nil {
		return pushErr
	}
	return pullErr
}

// push flushes queued operations. Operations for one entity go out in
// clientSeq order: a failure blocks only the failed entity's later
// operations; other entities keep flushing. Transient failures are retried
// with backoff and stay queued when retries are exhausted.
func (s *Scheduler) push(ctx context.Context) error {
	blocked := map[string]bool{}
	var firstErr error
	for {
		ops, err := s.queue.PeekBatch(ctx, defaultBatch)
		if err != nil {
			return fmt.Errorf("peek queue: %w", err)
		}

		progressed := false
		for _, op := range ops {
			key := op.EntityType + "/" + op.EntityID.String()
			if blocked[key] {
				continue
			}

			err := s.pushOne(ctx, op)
			if err == nil {
				if err := s.queue.Ack(ctx, []uuid.UUID{op.ID}); err != nil {
					return fmt.Errorf("ack op %s: %w", op.ID, err)
				}
				progressed = true
				continue
			}

			blocked[key] = true
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("push failed, op stays queued",
				zap.String("op", op.ID.String()),
				zap.String("entity", key),
				zap.Int64("clientSeq", op.ClientSeq),
				zap.Error(err),
			)
			if errors.Is(err, errs.ErrUnauthorized) {
				// identity problem: nothing else will succeed this cycle
				return firstErr
			}
		}

		// stop when the queue is drained, or everything left is behind a
		// blocked entity and another pass cannot make progress
		if len(ops) < defaultBatch || !progressed {
			return firstErr
		}
	}
}

func (s *Scheduler) pushOne(ctx context.Context, op model.PendingOperation) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.backoffBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.backend.Push(ctx, op)
		if errors.Is(err, errs.ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// pull fetches remote deltas since the stored watermark and applies them
// last-writer-wins. The watermark only advances after every change applied.
func (s *Scheduler) pull(ctx context.Context) error {
	since, err := s.state.Get(ctx, "watermark")
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}

	changes, watermark, err := s.backend.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("pull changes: %w", err)
	}

	for i := range changes {
		if err := s.entities.ApplyRemote(ctx, &changes[i]); err != nil {
			return fmt.Errorf("apply change %s/%s: %w", changes[i].EntityType, changes[i].EntityID, err)
		}
	}
	if watermark != since {
		if err := s.state.Set(ctx, "watermark", watermark); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}

	if len(changes) > 0 {
		s.mu.Lock()
		subs := make([]func([]model.Change), len(s.changeSubs))
		copy(subs, s.changeSubs)
		s.mu.Unlock()
		for _, cb := range subs {
			cb(changes)
		}
	}
	return nil
}

func (s *Scheduler) setStatus(mut func(*model.SyncStatus)) {
	s.mu.Lock()
	mut(&s.status)
	st := s.status
	subs := make([]func(model.SyncStatus), len(s.statusSubs))
	copy(subs, s.statusSubs)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(st)
	}
}

// Package validator implements the reconnect trust gate: on every
// offline→online transition it re-proves the cached identity against the
// remote backend before any queued local mutation is allowed to leave the
// device. Validation fails closed — a timeout, a missing credential record,
// or any backend error revokes local trust and discards the pending queue.
package validator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/authstate"
	"github.com/and161185/plansync/internal/backend"
	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
)

// DefaultTimeout bounds one validation attempt. Exceeding it is treated as
// failure, never as implicit trust.
const DefaultTimeout = 15 * time.Second

// State of the trust machine.
type State int

const (
	OnlineTrusted State = iota
	OfflineTrusted
	Validating
	Revoked
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case OnlineTrusted:
		return "online-trusted"
	case OfflineTrusted:
		return "offline-trusted"
	case Validating:
		return "validating"
	default:
		return "revoked"
	}
}

// Credentials is the slice of the credential cache the validator needs.
type Credentials interface {
	Read(ctx context.Context) (*model.CredentialRecord, error)
	Matches(ctx context.Context, userID uuid.UUID, email string) (bool, error)
	Clear(ctx context.Context) error
}

// Sessions is the slice of the offline session manager the validator needs.
type Sessions interface {
	Create(ctx context.Context, userID uuid.UUID) (*model.OfflineSession, error)
	Clear(ctx context.Context) error
}

// PendingQueue is the queue surface used on the revocation path.
type PendingQueue interface {
	ClearAll(ctx context.Context) (int, error)
}

// SyncGate is the scheduler surface the validator drives.
type SyncGate interface {
	MarkOffline()
	MarkValidated()
	FullSync(ctx context.Context, force bool) error
}

// Validator is the reconnect auth state machine. Only one validation cycle
// runs at a time; reconnect events arriving mid-cycle coalesce into a single
// trailing re-run.
type Validator struct {
	auth     *authstate.Store
	creds    Credentials
	sessions Sessions
	queue    PendingQueue
	backend  backend.Client
	sync     SyncGate
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	inFlight bool
	rerun    bool
	epoch    uint64
}

// New constructs a validator. timeout <= 0 selects DefaultTimeout.
func New(auth *authstate.Store, creds Credentials, sessions Sessions, queue PendingQueue, be backend.Client, gate SyncGate, timeout time.Duration, logger *zap.Logger) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		auth:     auth,
		creds:    creds,
		sessions: sessions,
		queue:    queue,
		backend:  be,
		sync:     gate,
		timeout:  timeout,
		logger:   logger,
		state:    OnlineTrusted,
	}
}

// State returns the current trust state.
func (v *Validator) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// BumpEpoch invalidates any in-flight validation cycle. Called on forced
// sign-out so a cycle that finishes later discards its results instead of
// resurrecting an identity the user just abandoned.
func (v *Validator) BumpEpoch() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.epoch++
}

// HandleDisconnect reacts to the online→offline transition: if the current
// remote identity matches the credential cache, an offline session becomes
// the fallback identity. Without a matching record no fallback is created
// and the device is effectively unauthenticated once the remote session is
// lost.
func (v *Validator) HandleDisconnect(ctx context.Context) {
	v.sync.MarkOffline()

	st := v.auth.State()
	if st.Mode != model.RemoteAuth || st.Session == nil {
		v.setState(OfflineTrusted)
		return
	}

	ok, err := v.creds.Matches(ctx, st.Session.UserID, st.Session.Email)
	if err != nil || !ok {
		v.logger.Warn("no offline fallback: credential cache does not match remote identity",
			zap.String("userID", st.Session.UserID.String()),
			zap.Error(err),
		)
		v.setState(OfflineTrusted)
		return
	}

	s, err := v.sessions.Create(ctx, st.Session.UserID)
	if err != nil {
		v.logger.Warn("offline session creation failed", zap.Error(err))
		v.setState(OfflineTrusted)
		return
	}
	v.auth.SetOfflineAuth(s)
	v.setState(OfflineTrusted)
}

// HandleReconnect reacts to the offline→online transition. If the auth mode
// stayed RemoteAuth the whole time (the session token never fell back to a
// local stand-in) no re-proof is needed and sync unblocks immediately.
// Otherwise one validation cycle runs; overlapping reconnects coalesce.
func (v *Validator) HandleReconnect(ctx context.Context) error {
	v.mu.Lock()
	if v.inFlight {
		v.rerun = true
		v.mu.Unlock()
		return nil
	}

	st := v.auth.State()
	switch st.Mode {
	case model.RemoteAuth:
		v.state = OnlineTrusted
		v.mu.Unlock()
		v.sync.MarkValidated()
		return v.sync.FullSync(ctx, false)
	case model.NoAuth:
		// nobody to validate; sync stays gated
		v.mu.Unlock()
		return nil
	}

	v.inFlight = true
	v.state = Validating
	epoch := v.epoch
	v.mu.Unlock()

	err := v.validate(ctx, epoch)

	v.mu.Lock()
	v.inFlight = false
	rerun := v.rerun
	v.rerun = false
	v.mu.Unlock()

	if rerun {
		// coalesced reconnects: exactly one trailing pass
		if rerr := v.HandleReconnect(ctx); err == nil {
			err = rerr
		}
	}
	return err
}

// validate runs one bounded validation attempt and applies its outcome,
// unless the auth epoch moved while it was in flight.
func (v *Validator) validate(ctx context.Context, epoch uint64) error {
	vctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	session, cause := v.prove(vctx)

	if cause != nil {
		v.mu.Lock()
		stale := epoch != v.epoch
		v.mu.Unlock()
		if stale {
			v.logger.Info("discarding validation result: auth epoch moved")
			return nil
		}
		v.revoke(ctx, cause)
		return cause
	}

	// the staleness check and the identity application are one atomic step:
	// a sign-out bumping the epoch after the proof must win, not be
	// overwritten by this cycle's result
	v.mu.Lock()
	if epoch != v.epoch {
		v.mu.Unlock()
		v.logger.Info("discarding validation result: auth epoch moved")
		return nil
	}
	_ = v.sessions.Clear(ctx)
	v.auth.SetRemoteAuth(session)
	v.state = OnlineTrusted
	v.sync.MarkValidated()
	v.mu.Unlock()

	v.logger.Info("reconnect validated", zap.String("userID", session.UserID.String()))
	return v.sync.FullSync(ctx, true)
}

// prove checks that a credential record exists and that the backend still
// confirms a live session for exactly that identity.
func (v *Validator) prove(ctx context.Context) (*model.RemoteSession, error) {
	rec, err := v.creds.Read(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}

	session, err := v.backend.ValidateSession(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if session.UserID != rec.UserID || session.Email != rec.Email {
		return nil, errs.ErrCredentialMismatch
	}
	return session, nil
}

// revoke is the security-failure path: queued offline mutations are
// discarded (never transmitted under an unproven identity), local trust
// artifacts are wiped, and fresh interactive authentication is required.
func (v *Validator) revoke(ctx context.Context, cause error) {
	discarded, err := v.queue.ClearAll(ctx)
	if err != nil {
		v.logger.Error("clearing pending queue on revocation failed", zap.Error(err))
	}
	_ = v.sessions.Clear(ctx)
	_ = v.creds.Clear(ctx)
	v.auth.SetNoAuth(cause.Error())
	v.setState(Revoked)

	v.logger.Warn("reconnect validation failed: local trust revoked",
		zap.Int("discardedOps", discarded),
		zap.Error(cause),
	)
}

func (v *Validator) setState(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}

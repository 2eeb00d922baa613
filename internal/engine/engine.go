// Package engine wires the offline-first sync machinery into one unit: the
// local cache, the credential and session services, the network monitor,
// the reconnect validator, the sync scheduler and the cross-instance event
// bus. Frontends (the CLI, a future UI) talk only to the Engine.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/authstate"
	"github.com/and161185/plansync/internal/backend"
	"github.com/and161185/plansync/internal/backend/httpapi"
	"github.com/and161185/plansync/internal/broadcast"
	"github.com/and161185/plansync/internal/crypto"
	"github.com/and161185/plansync/internal/entitystore"
	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
	"github.com/and161185/plansync/internal/netmon"
	"github.com/and161185/plansync/internal/repository/sqlite"
	"github.com/and161185/plansync/internal/scheduler"
	"github.com/and161185/plansync/internal/service"
	"github.com/and161185/plansync/internal/validator"
)

const (
	signKeyState     = "device_sign_key"
	accessTokenState = "access_token"
)

// Config carries everything the engine needs to start.
type Config struct {
	DataDir         string
	BackendURL      string
	HTTPTimeout     time.Duration
	SessionTTL      time.Duration
	ValidateTimeout time.Duration
	ProbeInterval   time.Duration

	// Backend overrides the HTTP client built from BackendURL. Used in tests.
	Backend backend.Client

	Logger *zap.Logger
}

// tokenSetter is implemented by backend clients that carry a bearer token.
type tokenSetter interface {
	SetToken(token string)
}

// ReconnectHandler runs when connectivity returns. The default handler is
// the reconnect validator; frontends may layer their own.
type ReconnectHandler func(ctx context.Context) error

// Engine is the composition root.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	db       *sqlite.DB
	state    *sqlite.StateRepo
	creds    *service.CredentialCache
	sessions *service.SessionManager
	queue    *service.Queue
	backend  backend.Client

	auth      *authstate.Store
	monitor   *netmon.Monitor
	validator *validator.Validator
	scheduler *scheduler.Scheduler
	store     *entitystore.Store
	bus       *broadcast.Bus

	reconnect []ReconnectHandler
}

// New builds and wires an engine. Call Load to restore persisted auth state,
// and Close when done.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("validation: empty data dir")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	db, err := sqlite.Open(ctx, filepath.Join(cfg.DataDir, "plansync.db"))
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	stateRepo := sqlite.NewStateRepo(db)
	signKey, err := loadOrCreateSignKey(ctx, stateRepo)
	if err != nil {
		db.Close()
		return nil, err
	}

	be := cfg.Backend
	if be == nil {
		be = httpapi.New(cfg.BackendURL, cfg.HTTPTimeout)
	}

	creds := service.NewCredentialCache(sqlite.NewCredRepo(db))
	sessions := service.NewSessionManager(sqlite.NewSessionRepo(db), creds, signKey, cfg.SessionTTL, cfg.Logger)
	queue := service.NewQueue(sqlite.NewQueueRepo(db), cfg.Logger)
	entityRepo := sqlite.NewEntityRepo(db)

	auth := authstate.New(cfg.Logger)
	sched := scheduler.New(queue, entityRepo, stateRepo, be, cfg.Logger)
	val := validator.New(auth, creds, sessions, queue, be, sched, cfg.ValidateTimeout, cfg.Logger)

	bus, err := broadcast.New(filepath.Join(cfg.DataDir, "events.jsonl"), cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger,
		db:        db,
		state:     stateRepo,
		creds:     creds,
		sessions:  sessions,
		queue:     queue,
		backend:   be,
		auth:      auth,
		monitor:   netmon.New(model.Online, cfg.Logger),
		validator: val,
		scheduler: sched,
		bus:       bus,
	}
	e.store = entitystore.New(entityRepo, e, cfg.Logger)
	e.reconnect = []ReconnectHandler{val.HandleReconnect}

	sched.SubscribeChanges(e.store.OnRemoteChanges)
	e.monitor.OnDisconnect(func() { val.HandleDisconnect(context.Background()) })
	e.monitor.OnReconnect(func() { e.runReconnect(context.Background()) })
	bus.Subscribe(e.onBusEvent)

	return e, nil
}

// loadOrCreateSignKey returns the per-device offline token signing key,
// generating one on first run.
func loadOrCreateSignKey(ctx context.Context, state *sqlite.StateRepo) ([]byte, error) {
	stored, err := state.Get(ctx, signKeyState)
	if err != nil {
		return nil, fmt.Errorf("load sign key: %w", err)
	}
	if stored != "" {
		key, err := hex.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("decode sign key: %w", err)
		}
		return key, nil
	}

	key, err := crypto.RandBytes(32)
	if err != nil {
		return nil, fmt.Errorf("generate sign key: %w", err)
	}
	if err := state.Set(ctx, signKeyState, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store sign key: %w", err)
	}
	return key, nil
}

// Load restores persisted auth state on cold start: a live remote session
// wins, a valid offline session keeps the user signed in locally, anything
// else lands in NoAuth. It also starts the scheduler and the event bus.
func (e *Engine) Load(ctx context.Context) error {
	e.bus.Start()
	e.scheduler.Start()
	return e.restoreAuth(ctx)
}

// restoreAuth re-derives the auth state from shared storage. Runs on cold
// start and when another app instance reports a sign-in.
func (e *Engine) restoreAuth(ctx context.Context) error {
	// restore the bearer token from the previous run so the session probe
	// can authenticate
	if token, err := e.state.Get(ctx, accessTokenState); err == nil && token != "" {
		if ts, ok := e.backend.(tokenSetter); ok {
			ts.SetToken(token)
		}
	}

	session, err := e.backend.GetSession(ctx)
	if err == nil {
		if ts, ok := e.backend.(tokenSetter); ok {
			ts.SetToken(session.AccessToken)
		}
		e.auth.SetRemoteAuth(session)
		e.scheduler.MarkValidated()
		e.Kick()
		return nil
	}
	e.logger.Info("no live remote session on start", zap.Error(err))

	offline, serr := e.sessions.GetValid(ctx)
	if serr == nil {
		e.auth.SetOfflineAuth(offline)
		e.monitor.SetOnline(false)
		return nil
	}

	reason := ""
	switch {
	case errors.Is(serr, errs.ErrSessionExpired):
		reason = "offline session expired"
	case errors.Is(serr, errs.ErrCredentialMismatch):
		reason = "offline session invalid"
	}
	e.auth.SetNoAuth(reason)
	return nil
}

// SignIn authenticates against the backend, caches the credential proof for
// offline fallback and unblocks sync.
func (e *Engine) SignIn(ctx context.Context, email string, secret []byte) error {
	session, err := e.backend.SignIn(ctx, email, secret)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	if ts, ok := e.backend.(tokenSetter); ok {
		ts.SetToken(session.AccessToken)
	}
	if err := e.state.Set(ctx, accessTokenState, session.AccessToken); err != nil {
		e.logger.Warn("persist access token", zap.Error(err))
	}

	if err := e.creds.Save(ctx, session.UserID, session.Email, secret); err != nil {
		return fmt.Errorf("cache credentials: %w", err)
	}
	if err := e.sessions.Clear(ctx); err != nil {
		e.logger.Warn("clear stale offline session", zap.Error(err))
	}

	e.auth.SetRemoteAuth(session)
	e.scheduler.Start()
	e.scheduler.MarkValidated()
	e.Kick()

	if err := e.bus.Publish(broadcast.KindSignedIn, map[string]string{"email": session.Email}); err != nil {
		e.logger.Warn("publish sign-in event", zap.Error(err))
	}
	return nil
}

// SignOut wipes the local identity: pending uploads are discarded, the
// offline session and cached credentials are destroyed, and any in-flight
// validation is abandoned.
func (e *Engine) SignOut(ctx context.Context) error {
	e.validator.BumpEpoch()
	e.scheduler.Stop()

	if err := e.backend.SignOut(ctx); err != nil {
		e.logger.Warn("remote sign-out failed, proceeding locally", zap.Error(err))
	}
	if ts, ok := e.backend.(tokenSetter); ok {
		ts.SetToken("")
	}
	if err := e.state.Set(ctx, accessTokenState, ""); err != nil {
		e.logger.Warn("clear persisted access token", zap.Error(err))
	}

	if n, err := e.queue.ClearAll(ctx); err != nil {
		return fmt.Errorf("discard pending queue: %w", err)
	} else if n > 0 {
		e.logger.Info("discarded pending operations on sign-out", zap.Int("count", n))
	}
	if err := e.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("clear offline session: %w", err)
	}
	if err := e.creds.Clear(ctx); err != nil {
		return fmt.Errorf("clear cached credentials: %w", err)
	}

	e.auth.SetNoAuth("signed out")
	if err := e.bus.Publish(broadcast.KindSignedOut, nil); err != nil {
		e.logger.Warn("publish sign-out event", zap.Error(err))
	}
	return nil
}

// RegisterReconnectHandler layers an additional handler on top of the
// reconnect validator. Handlers run in registration order.
func (e *Engine) RegisterReconnectHandler(h ReconnectHandler) {
	e.reconnect = append(e.reconnect, h)
}

func (e *Engine) runReconnect(ctx context.Context) {
	for _, h := range e.reconnect {
		if err := h(ctx); err != nil {
			e.logger.Warn("reconnect handler failed", zap.Error(err))
		}
	}
}

// Kick schedules a background sync pass. A blocked pass (unvalidated
// reconnect) is expected and not an error.
func (e *Engine) Kick() {
	go func() {
		err := e.scheduler.FullSync(context.Background(), false)
		if err != nil && !errors.Is(err, errs.ErrSyncBlocked) {
			e.logger.Warn("background sync failed", zap.Error(err))
		}
	}()
}

// Watch runs the connectivity probe loop until ctx is done.
func (e *Engine) Watch(ctx context.Context) {
	probe := dialProbe{target: probeTarget(e.cfg.BackendURL)}
	e.monitor.Watch(ctx, probe, e.cfg.ProbeInterval)
}

// onBusEvent reacts to events published by other app instances sharing the
// data directory.
func (e *Engine) onBusEvent(ev broadcast.Event) {
	switch ev.Kind {
	case broadcast.KindSignedOut, broadcast.KindRevoked:
		// the other instance already wiped the shared state
		e.scheduler.Stop()
		e.auth.SetNoAuth("signed out in another window")
	case broadcast.KindSignedIn:
		// the other instance persisted the token and credential proof;
		// re-derive our state from shared storage instead of re-proving
		e.scheduler.Start()
		if err := e.restoreAuth(context.Background()); err != nil {
			e.logger.Warn("reload identity after remote sign-in", zap.Error(err))
		}
		e.store.NotifyAll()
	case broadcast.KindDataChanged:
		e.store.NotifyAll()
	}
}

// Entities exposes the planner collections.
func (e *Engine) Entities() *entitystore.Store { return e.store }

// AuthState returns the current auth snapshot.
func (e *Engine) AuthState() model.AuthState { return e.auth.State() }

// SubscribeAuth registers a callback for auth state changes.
func (e *Engine) SubscribeAuth(cb func(model.AuthState)) { e.auth.Subscribe(cb) }

// SyncStatus returns the passive sync indicator.
func (e *Engine) SyncStatus() model.SyncStatus { return e.scheduler.Status() }

// SubscribeSyncStatus registers a callback for sync indicator changes.
func (e *Engine) SubscribeSyncStatus(cb func(model.SyncStatus)) { e.scheduler.SubscribeStatus(cb) }

// Pending returns the queued-but-unconfirmed operations, oldest first.
func (e *Engine) Pending(ctx context.Context, limit int) ([]model.PendingOperation, error) {
	return e.queue.PeekBatch(ctx, limit)
}

// SetOnline feeds an explicit connectivity observation, for frontends with
// their own reachability signal.
func (e *Engine) SetOnline(online bool) { e.monitor.SetOnline(online) }

// Close releases the engine's resources.
func (e *Engine) Close() error {
	e.bus.Stop()
	e.scheduler.Stop()
	return e.db.Close()
}

// dialProbe decides reachability by dialing the backend's host.
type dialProbe struct {
	target string
}

const dialProbeTimeout = 3 * time.Second

func (p dialProbe) Online(ctx context.Context) bool {
	if p.target == "" {
		return true
	}
	// a hanging connect must not stall the watch loop
	ctx, cancel := context.WithTimeout(ctx, dialProbeTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func probeTarget(backendURL string) string {
	u, err := url.Parse(backendURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return host
}

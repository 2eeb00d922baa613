// Package netmon observes connectivity transitions and fans them out to
// subscribers. Transition handling is serialized: each disconnect/reconnect
// fires every callback exactly once, even when connectivity flaps faster
// than the callbacks run.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/model"
)

// Probe reports the platform's current connectivity signal.
type Probe interface {
	Online(ctx context.Context) bool
}

// Monitor tracks the connectivity state and notifies subscribers on
// transitions. Subscribers are independent of each other; a slow or
// panicking subscriber in one place never skips another.
type Monitor struct {
	mu            sync.Mutex
	state         model.NetworkState
	transitioning bool
	pending       *model.NetworkState

	onDisconnect []func()
	onReconnect  []func()

	logger *zap.Logger
}

// New creates a monitor starting in the given state.
func New(initial model.NetworkState, logger *zap.Logger) *Monitor {
	return &Monitor{state: initial, logger: logger}
}

// OnDisconnect registers a callback fired once per online→offline transition.
func (m *Monitor) OnDisconnect(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, cb)
}

// OnReconnect registers a callback fired once per offline→online transition.
func (m *Monitor) OnReconnect(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, cb)
}

// State returns the last observed connectivity state.
func (m *Monitor) State() model.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetOnline feeds the platform connectivity signal into the monitor. If a
// transition is already being handled, the newest observation is parked and
// applied after the current callbacks finish; intermediate flaps that cancel
// out are coalesced away.
func (m *Monitor) SetOnline(online bool) {
	target := model.Offline
	if online {
		target = model.Online
	}

	m.mu.Lock()
	if m.transitioning {
		m.pending = &target
		m.mu.Unlock()
		return
	}
	if target == m.state {
		m.mu.Unlock()
		return
	}
	m.transitioning = true

	for {
		m.state = target
		var cbs []func()
		if target == model.Online {
			cbs = append(cbs, m.onReconnect...)
		} else {
			cbs = append(cbs, m.onDisconnect...)
		}
		m.mu.Unlock()

		m.logger.Info("network transition", zap.Stringer("state", target))
		for _, cb := range cbs {
			cb()
		}

		m.mu.Lock()
		if m.pending != nil && *m.pending != m.state {
			target = *m.pending
			m.pending = nil
			continue
		}
		m.pending = nil
		m.transitioning = false
		m.mu.Unlock()
		return
	}
}

// Watch polls probe at the given interval until ctx is done, feeding
// observations through SetOnline. interval <= 0 selects one second.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SetOnline(probe.Online(ctx))
		}
	}
}

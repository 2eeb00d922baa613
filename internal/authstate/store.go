// Package authstate holds the process-wide authentication state.
//
// The store is a single-writer state holder: only the reconnect validator
// and the cold-start load sequence call the setters. Every other component
// reads snapshots or subscribes; none may mutate the state directly. That
// discipline is what keeps the reconnect state machine deterministic.
package authstate

import (
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/model"
)

// Store is the process-wide auth state holder.
type Store struct {
	mu    sync.Mutex
	state model.AuthState
	subs  []func(model.AuthState)

	logger *zap.Logger
}

// New creates a store in the NoAuth state.
func New(logger *zap.Logger) *Store {
	return &Store{state: model.AuthState{Mode: model.NoAuth}, logger: logger}
}

// State returns a snapshot of the current auth state.
func (s *Store) State() model.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a read-only callback invoked after every state change.
func (s *Store) Subscribe(cb func(model.AuthState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, cb)
}

// SetRemoteAuth records a remote-backend-confirmed session.
func (s *Store) SetRemoteAuth(session *model.RemoteSession) {
	s.set(model.AuthState{Mode: model.RemoteAuth, Session: session})
}

// SetOfflineAuth records a locally issued offline session as the identity.
func (s *Store) SetOfflineAuth(profile *model.OfflineSession) {
	s.set(model.AuthState{Mode: model.OfflineAuth, Profile: profile})
}

// SetNoAuth records the unauthenticated state with a reason.
func (s *Store) SetNoAuth(reason string) {
	s.set(model.AuthState{Mode: model.NoAuth, Reason: reason})
}

// Reset reverts to NoAuth with no reason.
func (s *Store) Reset() { s.set(model.AuthState{Mode: model.NoAuth}) }

func (s *Store) set(st model.AuthState) {
	s.mu.Lock()
	s.state = st
	subs := make([]func(model.AuthState), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.logger.Info("auth state changed", zap.Stringer("mode", st.Mode))
	for _, cb := range subs {
		cb(st)
	}
}

// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// NetworkState is the current connectivity state of the device.
type NetworkState int

const (
	// Offline means the platform reports no usable network link.
	Offline NetworkState = iota
	// Online means the platform reports a usable network link.
	Online
)

// String returns a human-readable representation of the network state.
func (s NetworkState) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// CredentialRecord is the cached proof of the last authenticated identity.
// It never contains the raw secret: Proof is Argon2id(secret, Salt), so
// possession of the record alone cannot impersonate the user remotely.
// At most one record exists per device at a time.
type CredentialRecord struct {
	UserID   uuid.UUID
	Email    string
	Proof    []byte
	Salt     []byte
	CachedAt time.Time
}

// OfflineSession is a locally issued, time-bounded stand-in identity used
// only while disconnected. Token is a signed HS256 JWT bound to (UserID, Email).
type OfflineSession struct {
	UserID    uuid.UUID
	Email     string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RemoteSession is an authenticated session confirmed by the remote backend.
type RemoteSession struct {
	UserID      uuid.UUID
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// OpKind classifies a pending local mutation.
type OpKind string

const (
	OpCreate  OpKind = "create"
	OpUpdate  OpKind = "update"
	OpDelete  OpKind = "delete"
	OpReorder OpKind = "reorder"
)

// PendingOperation is one not-yet-confirmed local mutation destined for the
// remote backend. Operations for the same (EntityType, EntityID) carry a
// monotonically increasing ClientSeq and must reach the backend in that order.
type PendingOperation struct {
	ID         uuid.UUID
	EntityType string
	EntityID   uuid.UUID
	Kind       OpKind
	Payload    json.RawMessage // nil for delete
	ClientSeq  int64
	EnqueuedAt time.Time
}

// Entity is a locally cached record of one planner object (goal, task, list,
// routine). Payload is the full document; Position orders siblings.
type Entity struct {
	Type      string
	ID        uuid.UUID
	Payload   json.RawMessage
	Position  int64
	UpdatedAt time.Time
	Deleted   bool
}

// Change describes a single remote mutation pulled during delta sync.
type Change struct {
	EntityType string
	EntityID   uuid.UUID
	Payload    json.RawMessage // nil if Deleted
	Position   int64
	Deleted    bool
	UpdatedAt  time.Time
}

// AuthMode discriminates the process-wide authentication state.
type AuthMode int

const (
	// NoAuth means no identity is trusted; interactive sign-in is required.
	NoAuth AuthMode = iota
	// RemoteAuth means the remote backend has confirmed a live session.
	RemoteAuth
	// OfflineAuth means a locally issued offline session is the identity source.
	OfflineAuth
)

// String returns a human-readable representation of the auth mode.
func (m AuthMode) String() string {
	switch m {
	case RemoteAuth:
		return "remote"
	case OfflineAuth:
		return "offline"
	default:
		return "none"
	}
}

// AuthState is the process-wide "who is the user and how" value. Exactly one
// of Session/Profile is set depending on Mode; Reason is set for NoAuth.
type AuthState struct {
	Mode    AuthMode
	Session *RemoteSession  // Mode == RemoteAuth
	Profile *OfflineSession // Mode == OfflineAuth
	Reason  string          // Mode == NoAuth
}

// SyncState names the scheduler's current activity.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
)

// SyncStatus is the passive indicator exposed to UI surfaces.
type SyncStatus struct {
	State        SyncState
	PendingCount int
	LastError    string
	LastSyncAt   time.Time
}

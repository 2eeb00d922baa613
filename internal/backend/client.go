// Package backend defines the remote backend contract consumed by the sync
// engine. The engine never talks to a concrete service directly: it is
// handed a Client at startup, which keeps the validator and scheduler
// testable and the wire protocol replaceable.
package backend

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/plansync/internal/model"
)

// Client is the remote authentication/data backend.
//
// Error contract: implementations return errs.ErrUnauthorized (possibly
// wrapped) when the identity is not or no longer valid, and wrap temporary
// failures with errs.ErrTransient so callers can retry them.
type Client interface {
	// SignIn authenticates interactively and returns the confirmed session.
	SignIn(ctx context.Context, email string, secret []byte) (*model.RemoteSession, error)

	// GetSession returns the currently live session, refreshing it if the
	// backend supports that, or errs.ErrUnauthorized when none exists.
	GetSession(ctx context.Context) (*model.RemoteSession, error)

	// ValidateSession confirms a live, non-expired session exists for
	// exactly userID. This is the reconnect re-proof: it answers "does a
	// live session still exist for this identity", not "does the user still
	// know their password" — no plaintext secret is retained to ask that.
	ValidateSession(ctx context.Context, userID uuid.UUID) (*model.RemoteSession, error)

	// Push applies one pending operation. op.ID is an idempotency key: the
	// backend must treat a replay of an already-applied ID as a no-op.
	Push(ctx context.Context, op model.PendingOperation) error

	// Pull returns remote changes after the given watermark together with
	// the new watermark. An empty watermark means "from the beginning".
	Pull(ctx context.Context, since string) ([]model.Change, string, error)

	// SignOut revokes the remote session, best effort.
	SignOut(ctx context.Context) error
}

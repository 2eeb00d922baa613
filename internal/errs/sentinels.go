// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoCredentials indicates no cached credential record exists for the identity.
	ErrNoCredentials = errors.New("no cached credentials")

	// ErrCredentialMismatch indicates the offline session and credential record disagree.
	ErrCredentialMismatch = errors.New("credential mismatch")

	// ErrSessionExpired indicates the offline session is past its expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnauthorized indicates the remote backend rejected the identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSyncBlocked indicates sync was refused because the reconnect has not been validated.
	ErrSyncBlocked = errors.New("sync blocked: reconnect not validated")

	// ErrTransient indicates a temporary backend failure that is safe to retry.
	ErrTransient = errors.New("transient backend error")
)

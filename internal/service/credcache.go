// Package service contains application services for the offline identity
// cache, the offline session manager, and the pending sync queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	pkgcrypto "github.com/and161185/plansync/internal/crypto"
	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
	"github.com/and161185/plansync/internal/repository"
)

// CredentialCache stores a non-reversible proof of the last authenticated
// identity. It holds no validation policy beyond proof verification; the
// reconnect validator decides what a record is worth.
type CredentialCache struct {
	repo repository.CredentialRepository
}

// NewCredentialCache constructs a credential cache.
func NewCredentialCache(repo repository.CredentialRepository) *CredentialCache {
	return &CredentialCache{repo: repo}
}

// Save derives a salted Argon2id proof of secret and overwrites any prior
// record. The raw secret is never persisted.
func (c *CredentialCache) Save(ctx context.Context, userID uuid.UUID, email string, secret []byte) error {
	if userID == uuid.Nil || email == "" {
		return errors.New("validation: empty userID/email")
	}
	if len(secret) == 0 {
		return errors.New("validation: empty secret")
	}
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return err
	}
	rec := &model.CredentialRecord{
		UserID:   userID,
		Email:    email,
		Proof:    pkgcrypto.HashProof(secret, salt),
		Salt:     salt,
		CachedAt: time.Now().UTC(),
	}
	return c.repo.Save(ctx, rec)
}

// Read returns the current record, or errs.ErrNotFound.
func (c *CredentialCache) Read(ctx context.Context) (*model.CredentialRecord, error) {
	return c.repo.Get(ctx)
}

// Matches reports whether a record exists for exactly this (userID, email).
func (c *CredentialCache) Matches(ctx context.Context, userID uuid.UUID, email string) (bool, error) {
	rec, err := c.repo.Get(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.UserID == userID && rec.Email == email, nil
}

// Verify checks secret against the cached proof for the given identity.
func (c *CredentialCache) Verify(ctx context.Context, userID uuid.UUID, secret []byte) error {
	rec, err := c.repo.Get(ctx)
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return fmt.Errorf("cached record is for another user: %w", errs.ErrCredentialMismatch)
	}
	if !pkgcrypto.VerifyProof(secret, rec.Salt, rec.Proof) {
		return errs.ErrUnauthorized
	}
	return nil
}

// Clear irreversibly removes the record.
func (c *CredentialCache) Clear(ctx context.Context) error {
	return c.repo.Clear(ctx)
}

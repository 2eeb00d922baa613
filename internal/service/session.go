package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
	"github.com/and161185/plansync/internal/repository"
)

// DefaultSessionTTL bounds how long an offline session may stand in for a
// remote identity before a reconnect re-proof is forced anyway.
const DefaultSessionTTL = 72 * time.Hour

type offlineClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// SessionManager issues, validates, and revokes the device-local offline
// session. A session is only ever created for an identity that has a
// matching credential record; any divergence between the two is treated as
// corruption and both are purged.
type SessionManager struct {
	sessions repository.SessionRepository
	creds    *CredentialCache
	signKey  []byte
	ttl      time.Duration
	logger   *zap.Logger
}

// NewSessionManager constructs a session manager. signKey is the device-local
// HS256 key; ttl <= 0 selects DefaultSessionTTL.
func NewSessionManager(sessions repository.SessionRepository, creds *CredentialCache, signKey []byte, ttl time.Duration, logger *zap.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{sessions: sessions, creds: creds, signKey: signKey, ttl: ttl, logger: logger}
}

// Create issues an offline session for userID. It fails with
// errs.ErrNoCredentials unless a credential record exists for the same user.
func (m *SessionManager) Create(ctx context.Context, userID uuid.UUID) (*model.OfflineSession, error) {
	rec, err := m.creds.Read(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("cached record is for another user: %w", errs.ErrNoCredentials)
	}

	now := time.Now().UTC()
	exp := now.Add(m.ttl)
	claims := offlineClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: rec.Email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signKey)
	if err != nil {
		return nil, err
	}

	s := &model.OfflineSession{
		UserID:    userID,
		Email:     rec.Email,
		Token:     signed,
		CreatedAt: now,
		ExpiresAt: exp,
	}
	if err := m.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("offline session created",
		zap.String("userID", userID.String()),
		zap.Time("expiresAt", exp),
	)
	return s, nil
}

// GetValid returns the stored session only if its token verifies, it is
// unexpired, and its identity still matches the credential record. A stale
// or mismatched session is purged as a side effect; a mismatch also purges
// the credential record.
func (m *SessionManager) GetValid(ctx context.Context) (*model.OfflineSession, error) {
	s, err := m.sessions.Get(ctx)
	if err != nil {
		return nil, err
	}

	var claims offlineClaims
	_, err = jwt.ParseWithClaims(s.Token, &claims, func(*jwt.Token) (any, error) { return m.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// expiry is routine, not corruption: drop only the session
			m.logger.Info("offline session expired", zap.String("userID", s.UserID.String()))
			_ = m.sessions.Clear(ctx)
			return nil, errs.ErrSessionExpired
		}
		m.purge(ctx, "invalid token", err)
		return nil, errs.ErrCredentialMismatch
	}
	if claims.Subject != s.UserID.String() || claims.Email != s.Email {
		m.purge(ctx, "token identity mismatch", nil)
		return nil, errs.ErrCredentialMismatch
	}

	ok, err := m.creds.Matches(ctx, s.UserID, s.Email)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.purge(ctx, "session does not match credential record", nil)
		return nil, errs.ErrCredentialMismatch
	}
	return s, nil
}

// Clear explicitly revokes the session.
func (m *SessionManager) Clear(ctx context.Context) error {
	return m.sessions.Clear(ctx)
}

// purge removes both the session and the credential record; a disagreement
// between them means neither can be trusted.
func (m *SessionManager) purge(ctx context.Context, reason string, cause error) {
	m.logger.Warn("purging offline session", zap.String("reason", reason), zap.Error(cause))
	_ = m.sessions.Clear(ctx)
	_ = m.creds.Clear(ctx)
}

// Package httpapi implements backend.Client over a JSON HTTP API with
// bearer authentication.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/plansync/internal/backend"
	"github.com/and161185/plansync/internal/errs"
	"github.com/and161185/plansync/internal/model"
)

// Client talks to the remote backend over HTTP. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client

	mu    sync.Mutex
	token string
}

var _ backend.Client = (*Client)(nil)

// New creates a client for the given base URL. timeout <= 0 selects 30s.
func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

// SetToken installs the bearer token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

type sessionBody struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (b sessionBody) toModel() (*model.RemoteSession, error) {
	uid, err := uuid.FromString(b.UserID)
	if err != nil {
		return nil, fmt.Errorf("bad user_id in session: %w", err)
	}
	return &model.RemoteSession{
		UserID:      uid,
		Email:       b.Email,
		AccessToken: b.AccessToken,
		ExpiresAt:   b.ExpiresAt,
	}, nil
}

// SignIn implements backend.Client.
func (c *Client) SignIn(ctx context.Context, email string, secret []byte) (*model.RemoteSession, error) {
	body := map[string]string{"email": email, "secret": string(secret)}
	var out sessionBody
	if err := c.call(ctx, http.MethodPost, "/v1/signin", body, &out); err != nil {
		return nil, err
	}
	s, err := out.toModel()
	if err != nil {
		return nil, err
	}
	c.SetToken(s.AccessToken)
	return s, nil
}

// GetSession implements backend.Client.
func (c *Client) GetSession(ctx context.Context) (*model.RemoteSession, error) {
	var out sessionBody
	if err := c.call(ctx, http.MethodGet, "/v1/session", nil, &out); err != nil {
		return nil, err
	}
	s, err := out.toModel()
	if err != nil {
		return nil, err
	}
	c.SetToken(s.AccessToken)
	return s, nil
}

// ValidateSession implements backend.Client.
func (c *Client) ValidateSession(ctx context.Context, userID uuid.UUID) (*model.RemoteSession, error) {
	var out sessionBody
	path := "/v1/session/validate?user_id=" + url.QueryEscape(userID.String())
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	s, err := out.toModel()
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, fmt.Errorf("backend confirmed a different user: %w", errs.ErrUnauthorized)
	}
	c.SetToken(s.AccessToken)
	return s, nil
}

type opBody struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ClientSeq  int64           `json:"client_seq"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Push implements backend.Client.
func (c *Client) Push(ctx context.Context, op model.PendingOperation) error {
	body := opBody{
		ID:         op.ID.String(),
		EntityType: op.EntityType,
		EntityID:   op.EntityID.String(),
		Kind:       string(op.Kind),
		Payload:    op.Payload,
		ClientSeq:  op.ClientSeq,
		EnqueuedAt: op.EnqueuedAt,
	}
	return c.call(ctx, http.MethodPost, "/v1/ops", body, nil)
}

type changeBody struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Position   int64           `json:"position"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type pullBody struct {
	Changes   []changeBody `json:"changes"`
	Watermark string       `json:"watermark"`
}

// Pull implements backend.Client.
func (c *Client) Pull(ctx context.Context, since string) ([]model.Change, string, error) {
	var out pullBody
	path := "/v1/changes?since=" + url.QueryEscape(since)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, "", err
	}
	changes := make([]model.Change, 0, len(out.Changes))
	for _, cb := range out.Changes {
		eid, err := uuid.FromString(cb.EntityID)
		if err != nil {
			return nil, "", fmt.Errorf("bad entity_id in change: %w", err)
		}
		changes = append(changes, model.Change{
			EntityType: cb.EntityType,
			EntityID:   eid,
			Payload:    cb.Payload,
			Position:   cb.Position,
			Deleted:    cb.Deleted,
			UpdatedAt:  cb.UpdatedAt,
		})
	}
	return changes, out.Watermark, nil
}

// SignOut implements backend.Client.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, "/v1/signout", nil, nil)
	c.SetToken("")
	return err
}

// call performs one JSON request/response cycle. HTTP 401/403 map to
// errs.ErrUnauthorized; transport failures and 5xx map to errs.ErrTransient.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, errs.ErrUnauthorized)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, errs.ErrTransient)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

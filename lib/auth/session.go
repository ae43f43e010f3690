/*
Copyright 2025 SnowFlow Operations, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/secrets"
	"github.com/snowflow/license-server/lib/storage"
)

// SessionUser is the authenticated admin attached to a request.
type SessionUser struct {
	SessionID    string
	CustomerID   string
	UserID       string
	Email        string
	DisplayName  string
	NameID       string
	SessionIndex string
}

type sessionKey struct{}

// WithSessionUser attaches an authenticated admin to the context.
func WithSessionUser(ctx context.Context, u *SessionUser) context.Context {
	return context.WithValue(ctx, sessionKey{}, u)
}

// SessionUserFrom extracts the authenticated admin, if any.
func SessionUserFrom(ctx context.Context) *SessionUser {
	u, _ := ctx.Value(sessionKey{}).(*SessionUser)
	return u
}

// SessionManager pairs JWT verification with the server-side session rows:
// a verified token is only as good as the live row its hash points at, so
// logout and the hourly sweep revoke tokens before their signed expiry.
type SessionManager struct {
	backend Backend
	tokens  *TokenService
	clock   clockwork.Clock
}

// NewSessionManager creates a session manager.
func NewSessionManager(backend Backend, tokens *TokenService, clock clockwork.Clock) *SessionManager {
	return &SessionManager{backend: backend, tokens: tokens, clock: clock}
}

// CreateSessionParams carries the identity extracted from a validated SAML
// assertion.
type CreateSessionParams struct {
	CustomerID   string
	UserID       string
	Email        string
	DisplayName  string
	NameID       string
	SessionIndex string
	Attributes   map[string]string
	IP           string
	UserAgent    string
}

// Create mints a JWT and persists its session row. The raw token is
// returned once; only its SHA-256 hash is stored.
func (m *SessionManager) Create(ctx context.Context, params CreateSessionParams) (string, *storage.SsoSession, error) {
	if params.CustomerID == "" || params.NameID == "" {
		return "", nil, trace.BadParameter("missing session identity")
	}
	userID := params.UserID
	if userID == "" {
		userID = params.NameID
	}

	token, expiresAt, err := m.tokens.Mint(Claims{
		CustomerID:   params.CustomerID,
		UserID:       userID,
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		NameID:       params.NameID,
		SessionIndex: params.SessionIndex,
		Attributes:   params.Attributes,
	})
	if err != nil {
		return "", nil, trace.Wrap(err)
	}

	now := storage.TimeToMillis(m.clock.Now())
	session := &storage.SsoSession{
		ID:           uuid.NewString(),
		CustomerID:   params.CustomerID,
		UserID:       userID,
		Email:        nullString(params.Email),
		DisplayName:  nullString(params.DisplayName),
		TokenHash:    secrets.HashSHA256(token),
		NameID:       params.NameID,
		SessionIndex: nullString(params.SessionIndex),
		IP:           nullString(params.IP),
		UserAgent:    nullString(params.UserAgent),
		CreatedAt:    now,
		ExpiresAt:    storage.TimeToMillis(expiresAt),
		LastActivity: now,
	}
	if err := m.backend.CreateSsoSession(ctx, session); err != nil {
		return "", nil, trace.Wrap(err)
	}
	return token, session, nil
}

// Verify authenticates a presented token: signature first, then the live
// session row, then the row's own expiry. Activity is bumped on success.
func (m *SessionManager) Verify(ctx context.Context, token string) (*SessionUser, error) {
	claims, err := m.tokens.Verify(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	session, err := m.backend.GetSsoSessionByTokenHash(ctx, secrets.HashSHA256(token))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("session has been logged out")
		}
		return nil, trace.Wrap(err)
	}

	now := m.clock.Now()
	if now.After(session.ExpiresAt.Time()) {
		return nil, trace.AccessDenied("session has expired")
	}
	if err := m.backend.TouchSsoSession(ctx, session.ID, storage.TimeToMillis(now)); err != nil {
		logger.Get(ctx).WithError(err).Warn("Failed to bump session activity")
	}

	return &SessionUser{
		SessionID:    session.ID,
		CustomerID:   claims.CustomerID,
		UserID:       claims.UserID,
		Email:        claims.Email,
		DisplayName:  claims.DisplayName,
		NameID:       claims.NameID,
		SessionIndex: claims.SessionIndex,
	}, nil
}

// Logout deletes the session row behind the token. Tolerates an already
// deleted session; rejects tokens that never verify.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	if _, err := m.tokens.Verify(token); err != nil {
		return trace.Wrap(err)
	}
	session, err := m.backend.GetSsoSessionByTokenHash(ctx, secrets.HashSHA256(token))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(m.backend.DeleteSsoSession(ctx, session.ID))
}

// Sweep deletes all sessions past their expiry; the scheduler runs this
// hourly.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.backend.DeleteExpiredSsoSessions(ctx, storage.TimeToMillis(m.clock.Now()))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if n > 0 {
		logger.Get(ctx).WithField("sessions", n).Info("Swept expired admin sessions")
	}
	return n, nil
}

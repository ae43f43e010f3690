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

package storage

import (
	"context"

	"github.com/gravitational/trace"
)

// UpsertSsoConfig creates or replaces a customer's SAML configuration.
func (g queries) UpsertSsoConfig(ctx context.Context, c *SsoConfig) error {
	_, err := g.exec(ctx, `
		INSERT INTO sso_configs
			(customer_id, entry_point, issuer, idp_cert, callback_url,
			 logout_url, name_id_format, sign_requests, attribute_mapping,
			 enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			entry_point = VALUES(entry_point),
			issuer = VALUES(issuer),
			idp_cert = VALUES(idp_cert),
			callback_url = VALUES(callback_url),
			logout_url = VALUES(logout_url),
			name_id_format = VALUES(name_id_format),
			sign_requests = VALUES(sign_requests),
			attribute_mapping = VALUES(attribute_mapping),
			enabled = VALUES(enabled),
			updated_at = VALUES(updated_at)`,
		c.CustomerID, c.EntryPoint, c.Issuer, c.IdpCert, c.CallbackURL,
		c.LogoutURL, c.NameIDFormat, c.SignRequests, c.AttributeMapping,
		c.Enabled, c.CreatedAt, c.UpdatedAt)
	return trace.Wrap(err)
}

// GetSsoConfig fetches a customer's SAML configuration.
func (g queries) GetSsoConfig(ctx context.Context, customerID string) (*SsoConfig, error) {
	var c SsoConfig
	if err := g.get(ctx, &c, `SELECT * FROM sso_configs WHERE customer_id = ?`, customerID); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// DeleteSsoConfig removes a customer's SAML configuration.
func (g queries) DeleteSsoConfig(ctx context.Context, customerID string) error {
	res, err := g.exec(ctx, `DELETE FROM sso_configs WHERE customer_id = ?`, customerID)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "sso config for customer %v not found", customerID)
}

// CreateSsoSession inserts a logged-in session row.
func (g queries) CreateSsoSession(ctx context.Context, s *SsoSession) error {
	_, err := g.exec(ctx, `
		INSERT INTO sso_sessions
			(id, customer_id, user_id, email, display_name, token_hash,
			 name_id, session_index, ip, user_agent, created_at, expires_at,
			 last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CustomerID, s.UserID, s.Email, s.DisplayName, s.TokenHash,
		s.NameID, s.SessionIndex, s.IP, s.UserAgent, s.CreatedAt, s.ExpiresAt,
		s.LastActivity)
	return trace.Wrap(err)
}

// GetSsoSessionByTokenHash resolves a presented JWT (by hash) to its
// session row.
func (g queries) GetSsoSessionByTokenHash(ctx context.Context, tokenHash string) (*SsoSession, error) {
	var s SsoSession
	if err := g.get(ctx, &s, `SELECT * FROM sso_sessions WHERE token_hash = ?`, tokenHash); err != nil {
		return nil, trace.Wrap(err)
	}
	return &s, nil
}

// TouchSsoSession advances last_activity.
func (g queries) TouchSsoSession(ctx context.Context, id string, now Millis) error {
	_, err := g.exec(ctx, `UPDATE sso_sessions SET last_activity = ? WHERE id = ?`, now, id)
	return trace.Wrap(err)
}

// DeleteSsoSession removes one session (logout).
func (g queries) DeleteSsoSession(ctx context.Context, id string) error {
	res, err := g.exec(ctx, `DELETE FROM sso_sessions WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "sso session %v not found", id)
}

// DeleteExpiredSsoSessions drops every session past its expiry; the sweep
// job runs this hourly.
func (g queries) DeleteExpiredSsoSessions(ctx context.Context, now Millis) (int64, error) {
	res, err := g.exec(ctx, `DELETE FROM sso_sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}

// UpsertTheme creates or replaces a white-label theme keyed by theme_key.
func (g queries) UpsertTheme(ctx context.Context, t *Theme) error {
	_, err := g.exec(ctx, `
		INSERT INTO themes
			(id, service_integrator_id, theme_key, display_name, primary_color,
			 secondary_color, config, active, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			display_name = VALUES(display_name),
			primary_color = VALUES(primary_color),
			secondary_color = VALUES(secondary_color),
			config = VALUES(config),
			active = VALUES(active),
			is_default = VALUES(is_default),
			updated_at = VALUES(updated_at)`,
		t.ID, t.ServiceIntegratorID, t.ThemeKey, t.DisplayName, t.PrimaryColor,
		t.SecondaryColor, t.Config, t.Active, t.IsDefault, t.CreatedAt, t.UpdatedAt)
	return trace.Wrap(err)
}

// GetThemeByKey fetches a theme by its public key. Served unauthenticated,
// so only active themes resolve.
func (g queries) GetThemeByKey(ctx context.Context, themeKey string) (*Theme, error) {
	var t Theme
	if err := g.get(ctx, &t, `
		SELECT * FROM themes WHERE theme_key = ? AND active = 1`, themeKey); err != nil {
		return nil, trace.Wrap(err)
	}
	return &t, nil
}

// ListThemes returns all themes of one integrator.
func (g queries) ListThemes(ctx context.Context, siID string) ([]Theme, error) {
	var out []Theme
	if err := g.list(ctx, &out, `
		SELECT * FROM themes WHERE service_integrator_id = ? ORDER BY theme_key`,
		siID); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// DeleteTheme removes a theme by key.
func (g queries) DeleteTheme(ctx context.Context, themeKey string) error {
	res, err := g.exec(ctx, `DELETE FROM themes WHERE theme_key = ?`, themeKey)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "theme %v not found", themeKey)
}

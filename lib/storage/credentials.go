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

// CreateCredential inserts a credential row. The secret columns must
// already be cipher blobs; this layer never sees plaintext.
func (g queries) CreateCredential(ctx context.Context, c *Credential) error {
	_, err := g.exec(ctx, `
		INSERT INTO credentials
			(id, owner_kind, owner_id, service_type, credential_type,
			 access_token, refresh_token, api_token, password,
			 base_url, username, client_id, scope, token_type, expires_at,
			 enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerKind, c.OwnerID, c.ServiceType, c.Type,
		c.AccessToken, c.RefreshToken, c.APIToken, c.Password,
		c.BaseURL, c.Username, c.ClientID, c.Scope, c.TokenType, c.ExpiresAt,
		c.Enabled, c.CreatedAt, c.UpdatedAt)
	return trace.Wrap(err)
}

// GetCredential fetches the credential one owner holds for one service.
func (g queries) GetCredential(ctx context.Context, kind OwnerKind, ownerID, serviceType string) (*Credential, error) {
	var c Credential
	if err := g.get(ctx, &c, `
		SELECT * FROM credentials
		WHERE owner_kind = ? AND owner_id = ? AND service_type = ?`,
		kind, ownerID, serviceType); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// GetCredentialByID fetches a credential by primary key.
func (g queries) GetCredentialByID(ctx context.Context, id string) (*Credential, error) {
	var c Credential
	if err := g.get(ctx, &c, `SELECT * FROM credentials WHERE id = ?`, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// ListCredentials returns all of one owner's credentials.
func (g queries) ListCredentials(ctx context.Context, kind OwnerKind, ownerID string) ([]Credential, error) {
	var out []Credential
	if err := g.list(ctx, &out, `
		SELECT * FROM credentials
		WHERE owner_kind = ? AND owner_id = ? ORDER BY service_type`,
		kind, ownerID); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// UpdateCredential rewrites all mutable columns of a credential.
func (g queries) UpdateCredential(ctx context.Context, c *Credential) error {
	res, err := g.exec(ctx, `
		UPDATE credentials SET
			credential_type = ?, access_token = ?, refresh_token = ?,
			api_token = ?, password = ?, base_url = ?, username = ?,
			client_id = ?, scope = ?, token_type = ?, expires_at = ?,
			enabled = ?, last_refreshed_at = ?, updated_at = ?
		WHERE id = ?`,
		c.Type, c.AccessToken, c.RefreshToken,
		c.APIToken, c.Password, c.BaseURL, c.Username,
		c.ClientID, c.Scope, c.TokenType, c.ExpiresAt,
		c.Enabled, c.LastRefreshed, c.UpdatedAt, c.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "credential %v not found", c.ID)
}

// SetCredentialTestResult records the outcome of a connectivity test.
func (g queries) SetCredentialTestResult(ctx context.Context, id, status, testErr string, now Millis) error {
	res, err := g.exec(ctx, `
		UPDATE credentials SET
			last_test_status = ?, last_test_error = NULLIF(?, ''), last_tested_at = ?
		WHERE id = ?`,
		status, testErr, now, id)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "credential %v not found", id)
}

// TouchCredentialUsed advances last_used_at when a secret is read out.
func (g queries) TouchCredentialUsed(ctx context.Context, id string, now Millis) error {
	_, err := g.exec(ctx, `UPDATE credentials SET last_used_at = ? WHERE id = ?`, now, id)
	return trace.Wrap(err)
}

// DeleteCredential removes a credential; audit rows are kept.
func (g queries) DeleteCredential(ctx context.Context, id string) error {
	res, err := g.exec(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "credential %v not found", id)
}

// ListExpiringOAuth returns enabled OAuth2 credentials whose access token
// expires before the cutoff and that carry a refresh token.
func (g queries) ListExpiringOAuth(ctx context.Context, cutoff Millis) ([]Credential, error) {
	var out []Credential
	if err := g.list(ctx, &out, `
		SELECT * FROM credentials
		WHERE credential_type = ? AND enabled = 1
		  AND refresh_token IS NOT NULL
		  AND expires_at > 0 AND expires_at < ?
		ORDER BY expires_at`,
		CredentialOAuth2, cutoff); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// AppendCredentialAudit writes one access log row. The vault calls this
// inside the same transaction as the operation being logged.
func (g queries) AppendCredentialAudit(ctx context.Context, a *CredentialAudit) error {
	_, err := g.exec(ctx, `
		INSERT INTO credential_audit
			(credential_id, action, success, error, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.CredentialID, a.Action, a.Success, a.Error, a.Actor, a.Timestamp)
	return trace.Wrap(err)
}

// ListCredentialAudit returns the newest audit rows for one credential.
func (g queries) ListCredentialAudit(ctx context.Context, credentialID string, limit int) ([]CredentialAudit, error) {
	var out []CredentialAudit
	if err := g.list(ctx, &out, `
		SELECT * FROM credential_audit
		WHERE credential_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		credentialID, limit); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

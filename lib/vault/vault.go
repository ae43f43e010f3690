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

// Package vault stores third-party service credentials encrypted at rest.
// Secret columns never leave this package in ciphertext and never reach
// the database in plaintext. Every operation that touches a secret leaves
// an audit row in the same transaction as the operation itself; reads
// audit on actual exposure, not on metadata listings.
package vault

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/storage"
)

// ErrUnreadable marks a record whose ciphertext cannot be decrypted under
// the current keys. The record is quarantined (disabled), never returned
// partially decrypted.
var ErrUnreadable = errors.New("credential record is unreadable")

// Crypto seals and opens secret values; *kms.Service satisfies it.
type Crypto interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, blob string) ([]byte, error)
}

// Record is a credential with its secret fields in SecretField form.
type Record struct {
	ID          string            `json:"id"`
	OwnerKind   storage.OwnerKind `json:"ownerKind"`
	OwnerID     string            `json:"ownerId"`
	ServiceType string            `json:"serviceType"`
	Type        string            `json:"credentialType"`

	AccessToken  SecretField `json:"accessToken"`
	RefreshToken SecretField `json:"refreshToken"`
	APIToken     SecretField `json:"apiToken"`
	Password     SecretField `json:"password"`

	BaseURL   string    `json:"baseUrl,omitempty"`
	Username  string    `json:"username,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	TokenType string    `json:"tokenType,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	Enabled        bool      `json:"enabled"`
	LastTestStatus string    `json:"lastTestStatus,omitempty"`
	LastTestError  string    `json:"lastTestError,omitempty"`
	LastTestedAt   time.Time `json:"lastTestedAt,omitempty"`
	LastUsedAt     time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// WriteParams carries the plaintext inputs of Create and Update. Empty
// secret strings mean "not set" on create and "leave unchanged" on update.
type WriteParams struct {
	OwnerKind   storage.OwnerKind
	OwnerID     string
	ServiceType string
	Type        string

	AccessToken  string
	RefreshToken string
	APIToken     string
	Password     string

	BaseURL   string
	Username  string
	ClientID  string
	Scope     string
	TokenType string
	ExpiresAt time.Time
	Enabled   bool
	Actor     string
}

// Vault is the credential store.
type Vault struct {
	backend Backend
	crypto  Crypto
	clock   clockwork.Clock
}

// NewVault creates a vault over the given backend and cipher service.
func NewVault(backend Backend, crypto Crypto, clock clockwork.Clock) *Vault {
	return &Vault{backend: backend, crypto: crypto, clock: clock}
}

// Create encrypts and stores a new credential, one per (owner, service).
func (v *Vault) Create(ctx context.Context, params WriteParams) (*Record, error) {
	if err := checkWriteParams(params); err != nil {
		return nil, trace.Wrap(err)
	}
	now := storage.TimeToMillis(v.clock.Now())

	row := &storage.Credential{
		ID:          uuid.NewString(),
		OwnerKind:   params.OwnerKind,
		OwnerID:     params.OwnerID,
		ServiceType: params.ServiceType,
		Type:        params.Type,
		BaseURL:     nullString(params.BaseURL),
		Username:    nullString(params.Username),
		ClientID:    nullString(params.ClientID),
		Scope:       nullString(params.Scope),
		TokenType:   nullString(params.TokenType),
		ExpiresAt:   storage.TimeToMillis(params.ExpiresAt),
		Enabled:     params.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := v.sealInto(ctx, row, params); err != nil {
		return nil, trace.Wrap(err)
	}

	err := v.backend.Transact(ctx, func(tx Tx) error {
		if err := tx.CreateCredential(ctx, row); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: row.ID,
			Action:       storage.AuditCreated,
			Success:      true,
			Actor:        nullString(params.Actor),
			Timestamp:    now,
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v.toRecord(ctx, row, false)
}

// Get returns a credential with its secrets decrypted, bumps last_used_at
// and audits the exposure. An undecryptable record is quarantined.
func (v *Vault) Get(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType, actor string) (*Record, error) {
	row, err := v.backend.GetCredential(ctx, kind, ownerID, serviceType)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	record, err := v.toRecord(ctx, row, false)
	if err != nil {
		v.quarantine(ctx, row.ID, actor, err)
		return nil, trace.Wrap(err)
	}

	now := storage.TimeToMillis(v.clock.Now())
	err = v.backend.Transact(ctx, func(tx Tx) error {
		if err := tx.TouchCredentialUsed(ctx, row.ID, now); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: row.ID,
			Action:       storage.AuditAccessed,
			Success:      true,
			Actor:        nullString(actor),
			Timestamp:    now,
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// List returns an owner's credentials with secrets redacted. No audit:
// nothing is exposed.
func (v *Vault) List(ctx context.Context, kind storage.OwnerKind, ownerID string) ([]Record, error) {
	rows, err := v.backend.ListCredentials(ctx, kind, ownerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]Record, 0, len(rows))
	for i := range rows {
		record, err := v.toRecord(ctx, &rows[i], true)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *record)
	}
	return out, nil
}

// Update re-encrypts the provided secrets and rewrites the metadata.
// Secrets left empty in params keep their stored ciphertext.
func (v *Vault) Update(ctx context.Context, params WriteParams) (*Record, error) {
	if err := checkWriteParams(params); err != nil {
		return nil, trace.Wrap(err)
	}
	now := storage.TimeToMillis(v.clock.Now())

	var updated *storage.Credential
	err := v.backend.Transact(ctx, func(tx Tx) error {
		row, err := tx.GetCredential(ctx, params.OwnerKind, params.OwnerID, params.ServiceType)
		if err != nil {
			return trace.Wrap(err)
		}

		row.Type = params.Type
		row.BaseURL = nullString(params.BaseURL)
		row.Username = nullString(params.Username)
		row.ClientID = nullString(params.ClientID)
		row.Scope = nullString(params.Scope)
		row.TokenType = nullString(params.TokenType)
		row.ExpiresAt = storage.TimeToMillis(params.ExpiresAt)
		row.Enabled = params.Enabled
		row.UpdatedAt = now
		if err := v.sealInto(ctx, row, params); err != nil {
			return trace.Wrap(err)
		}

		if err := tx.UpdateCredential(ctx, row); err != nil {
			return trace.Wrap(err)
		}
		updated = row
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: row.ID,
			Action:       storage.AuditUpdated,
			Success:      true,
			Actor:        nullString(params.Actor),
			Timestamp:    now,
		}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v.toRecord(ctx, updated, true)
}

// Delete removes a credential. The audit trail survives the record.
func (v *Vault) Delete(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType, actor string) error {
	now := storage.TimeToMillis(v.clock.Now())
	return v.backend.Transact(ctx, func(tx Tx) error {
		row, err := tx.GetCredential(ctx, kind, ownerID, serviceType)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := tx.DeleteCredential(ctx, row.ID); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: row.ID,
			Action:       storage.AuditDeleted,
			Success:      true,
			Actor:        nullString(actor),
			Timestamp:    now,
		}))
	})
}

// RecordTest stores the outcome of an out-of-band connectivity test. The
// vault never probes the remote service itself.
func (v *Vault) RecordTest(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType string, success bool, message, actor string) error {
	now := storage.TimeToMillis(v.clock.Now())
	status := "success"
	if !success {
		status = "failed"
	}
	return v.backend.Transact(ctx, func(tx Tx) error {
		row, err := tx.GetCredential(ctx, kind, ownerID, serviceType)
		if err != nil {
			return trace.Wrap(err)
		}
		testErr := ""
		if !success {
			testErr = message
		}
		if err := tx.SetCredentialTestResult(ctx, row.ID, status, testErr, now); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: row.ID,
			Action:       storage.AuditTested,
			Success:      success,
			Error:        nullString(testErr),
			Actor:        nullString(actor),
			Timestamp:    now,
		}))
	})
}

// Audit returns the newest audit rows for one credential.
func (v *Vault) Audit(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType string, limit int) ([]storage.CredentialAudit, error) {
	row, err := v.backend.GetCredential(ctx, kind, ownerID, serviceType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rows, err := v.backend.ListCredentialAudit(ctx, row.ID, limit)
	return rows, trace.Wrap(err)
}

// quarantine disables a record whose ciphertext no longer decrypts and
// audits the failed access. Best effort: the caller already has an error.
func (v *Vault) quarantine(ctx context.Context, id, actor string, cause error) {
	now := storage.TimeToMillis(v.clock.Now())
	err := v.backend.Transact(ctx, func(tx Tx) error {
		row, err := tx.GetCredentialByID(ctx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		row.Enabled = false
		row.UpdatedAt = now
		if err := tx.UpdateCredential(ctx, row); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: id,
			Action:       storage.AuditAccessed,
			Success:      false,
			Error:        nullString(cause.Error()),
			Actor:        nullString(actor),
			Timestamp:    now,
		}))
	})
	if err != nil {
		logger.Get(ctx).WithError(err).WithField("credential_id", id).Warn("Failed to quarantine unreadable credential")
	} else {
		logger.Get(ctx).WithField("credential_id", id).Warn("Quarantined unreadable credential")
	}
}

// sealInto encrypts the non-empty secrets of params into row.
func (v *Vault) sealInto(ctx context.Context, row *storage.Credential, params WriteParams) error {
	for _, secret := range []struct {
		plaintext string
		dest      *string
		valid     *bool
	}{
		{params.AccessToken, &row.AccessToken.String, &row.AccessToken.Valid},
		{params.RefreshToken, &row.RefreshToken.String, &row.RefreshToken.Valid},
		{params.APIToken, &row.APIToken.String, &row.APIToken.Valid},
		{params.Password, &row.Password.String, &row.Password.Valid},
	} {
		if secret.plaintext == "" {
			continue
		}
		blob, err := v.crypto.Encrypt(ctx, []byte(secret.plaintext))
		if err != nil {
			return trace.Wrap(err)
		}
		*secret.dest = blob
		*secret.valid = true
	}
	return nil
}

// toRecord converts a storage row, decrypting or redacting the secrets.
func (v *Vault) toRecord(ctx context.Context, row *storage.Credential, redact bool) (*Record, error) {
	record := &Record{
		ID:             row.ID,
		OwnerKind:      row.OwnerKind,
		OwnerID:        row.OwnerID,
		ServiceType:    row.ServiceType,
		Type:           row.Type,
		BaseURL:        row.BaseURL.String,
		Username:       row.Username.String,
		ClientID:       row.ClientID.String,
		Scope:          row.Scope.String,
		TokenType:      row.TokenType.String,
		ExpiresAt:      row.ExpiresAt.Time(),
		Enabled:        row.Enabled,
		LastTestStatus: row.LastTestStatus.String,
		LastTestError:  row.LastTestError.String,
		LastTestedAt:   row.LastTestedAt.Time(),
		LastUsedAt:     row.LastUsedAt.Time(),
		CreatedAt:      row.CreatedAt.Time(),
		UpdatedAt:      row.UpdatedAt.Time(),
	}

	for _, secret := range []struct {
		blob string
		ok   bool
		dest *SecretField
	}{
		{row.AccessToken.String, row.AccessToken.Valid, &record.AccessToken},
		{row.RefreshToken.String, row.RefreshToken.Valid, &record.RefreshToken},
		{row.APIToken.String, row.APIToken.Valid, &record.APIToken},
		{row.Password.String, row.Password.Valid, &record.Password},
	} {
		if !secret.ok || secret.blob == "" {
			*secret.dest = Absent()
			continue
		}
		if redact {
			*secret.dest = Redacted()
			continue
		}
		plaintext, err := v.crypto.Decrypt(ctx, secret.blob)
		if err != nil {
			return nil, trace.Wrap(ErrUnreadable, "credential %v: %v", row.ID, err)
		}
		*secret.dest = Present(string(plaintext))
	}
	return record, nil
}

func checkWriteParams(params WriteParams) error {
	if params.OwnerKind != storage.OwnerCustomer && params.OwnerKind != storage.OwnerIntegrator {
		return trace.BadParameter("unknown owner kind %q", params.OwnerKind)
	}
	if params.OwnerID == "" {
		return trace.BadParameter("missing owner id")
	}
	if params.ServiceType == "" {
		return trace.BadParameter("missing service type")
	}
	switch params.Type {
	case storage.CredentialOAuth2, storage.CredentialAPIToken, storage.CredentialBasic, storage.CredentialPAT:
	default:
		return trace.BadParameter("unknown credential type %q", params.Type)
	}
	return nil
}

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

package vault

import (
	"context"
	"database/sql"

	"github.com/snowflow/license-server/lib/storage"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Tx is the slice of the storage transaction the vault needs; *storage.Tx
// satisfies it. Writes and their audit rows always share one transaction.
type Tx interface {
	CreateCredential(ctx context.Context, c *storage.Credential) error
	GetCredential(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType string) (*storage.Credential, error)
	GetCredentialByID(ctx context.Context, id string) (*storage.Credential, error)
	UpdateCredential(ctx context.Context, c *storage.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	SetCredentialTestResult(ctx context.Context, id, status, testErr string, now storage.Millis) error
	TouchCredentialUsed(ctx context.Context, id string, now storage.Millis) error
	AppendCredentialAudit(ctx context.Context, a *storage.CredentialAudit) error
}

// Backend is the vault's view of the database.
type Backend interface {
	Transact(ctx context.Context, fn func(Tx) error) error
	GetCredential(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType string) (*storage.Credential, error)
	ListCredentials(ctx context.Context, kind storage.OwnerKind, ownerID string) ([]storage.Credential, error)
	ListExpiringOAuth(ctx context.Context, cutoff storage.Millis) ([]storage.Credential, error)
	ListCredentialAudit(ctx context.Context, credentialID string, limit int) ([]storage.CredentialAudit, error)
}

type storeBackend struct {
	db *storage.DB
}

// NewBackend adapts the storage layer to the Backend interface.
func NewBackend(db *storage.DB) Backend {
	return storeBackend{db: db}
}

func (b storeBackend) Transact(ctx context.Context, fn func(Tx) error) error {
	return b.db.Transact(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}

func (b storeBackend) GetCredential(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType string) (*storage.Credential, error) {
	return b.db.GetCredential(ctx, kind, ownerID, serviceType)
}

func (b storeBackend) ListCredentials(ctx context.Context, kind storage.OwnerKind, ownerID string) ([]storage.Credential, error) {
	return b.db.ListCredentials(ctx, kind, ownerID)
}

func (b storeBackend) ListExpiringOAuth(ctx context.Context, cutoff storage.Millis) ([]storage.Credential, error) {
	return b.db.ListExpiringOAuth(ctx, cutoff)
}

func (b storeBackend) ListCredentialAudit(ctx context.Context, credentialID string, limit int) ([]storage.CredentialAudit, error) {
	return b.db.ListCredentialAudit(ctx, credentialID, limit)
}

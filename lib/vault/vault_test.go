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
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/snowflow/license-server/lib/storage"
)

// fakeCrypto marks ciphertext with a prefix; blobs without it fail to
// decrypt, which stands in for a lost encryption key.
type fakeCrypto struct{}

func (fakeCrypto) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	return "enc:" + string(plaintext), nil
}

func (fakeCrypto) Decrypt(_ context.Context, blob string) ([]byte, error) {
	if !strings.HasPrefix(blob, "enc:") {
		return nil, trace.Errorf("cipher integrity check failed")
	}
	return []byte(strings.TrimPrefix(blob, "enc:")), nil
}

type fakeBackend struct {
	mu     sync.Mutex
	creds  map[string]*storage.Credential
	audits []storage.CredentialAudit
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{creds: make(map[string]*storage.Credential)}
}

func (b *fakeBackend) Transact(ctx context.Context, fn func(Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(b)
}

func (b *fakeBackend) CreateCredential(ctx context.Context, c *storage.Credential) error {
	for _, existing := range b.creds {
		if existing.OwnerKind == c.OwnerKind && existing.OwnerID == c.OwnerID && existing.ServiceType == c.ServiceType {
			return trace.AlreadyExists("credential already exists")
		}
	}
	copied := *c
	b.creds[c.ID] = &copied
	return nil
}

func (b *fakeBackend) getCredentialLocked(kind storage.OwnerKind, ownerID, serviceType string) (*storage.Credential, error) {
	for _, c := range b.creds {
		if c.OwnerKind == kind && c.OwnerID == ownerID && c.ServiceType == serviceType {
			copied := *c
			return &copied, nil
		}
	}
	return nil, trace.NotFound("credential not found")
}

func (b *fakeBackend) GetCredential(ctx context.Context, kind storage.OwnerKind, ownerID, serviceType string) (*storage.Credential, error) {
	return b.getCredentialLocked(kind, ownerID, serviceType)
}

func (b *fakeBackend) GetCredentialByID(ctx context.Context, id string) (*storage.Credential, error) {
	c, ok := b.creds[id]
	if !ok {
		return nil, trace.NotFound("credential %v not found", id)
	}
	copied := *c
	return &copied, nil
}

func (b *fakeBackend) ListCredentials(ctx context.Context, kind storage.OwnerKind, ownerID string) ([]storage.Credential, error) {
	var out []storage.Credential
	for _, c := range b.creds {
		if c.OwnerKind == kind && c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (b *fakeBackend) ListExpiringOAuth(ctx context.Context, cutoff storage.Millis) ([]storage.Credential, error) {
	var out []storage.Credential
	for _, c := range b.creds {
		if c.Type == storage.CredentialOAuth2 && c.Enabled && c.RefreshToken.Valid &&
			c.ExpiresAt > 0 && c.ExpiresAt < cutoff {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (b *fakeBackend) ListCredentialAudit(ctx context.Context, credentialID string, limit int) ([]storage.CredentialAudit, error) {
	var out []storage.CredentialAudit
	for i := len(b.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if b.audits[i].CredentialID == credentialID {
			out = append(out, b.audits[i])
		}
	}
	return out, nil
}

func (b *fakeBackend) UpdateCredential(ctx context.Context, c *storage.Credential) error {
	if _, ok := b.creds[c.ID]; !ok {
		return trace.NotFound("credential %v not found", c.ID)
	}
	copied := *c
	b.creds[c.ID] = &copied
	return nil
}

func (b *fakeBackend) DeleteCredential(ctx context.Context, id string) error {
	if _, ok := b.creds[id]; !ok {
		return trace.NotFound("credential %v not found", id)
	}
	delete(b.creds, id)
	return nil
}

func (b *fakeBackend) SetCredentialTestResult(ctx context.Context, id, status, testErr string, now storage.Millis) error {
	c, ok := b.creds[id]
	if !ok {
		return trace.NotFound("credential %v not found", id)
	}
	c.LastTestStatus = nullString(status)
	c.LastTestError = nullString(testErr)
	c.LastTestedAt = now
	return nil
}

func (b *fakeBackend) TouchCredentialUsed(ctx context.Context, id string, now storage.Millis) error {
	c, ok := b.creds[id]
	if !ok {
		return trace.NotFound("credential %v not found", id)
	}
	c.LastUsedAt = now
	return nil
}

func (b *fakeBackend) AppendCredentialAudit(ctx context.Context, a *storage.CredentialAudit) error {
	b.audits = append(b.audits, *a)
	return nil
}

func (b *fakeBackend) auditActions(credentialID string) []string {
	var out []string
	for _, a := range b.audits {
		if a.CredentialID == credentialID {
			out = append(out, a.Action)
		}
	}
	return out
}

func newTestVault(t *testing.T) (*Vault, *fakeBackend, *clockwork.FakeClock) {
	t.Helper()
	backend := newFakeBackend()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	return NewVault(backend, fakeCrypto{}, clock), backend, clock
}

func jiraParams() WriteParams {
	return WriteParams{
		OwnerKind:   storage.OwnerCustomer,
		OwnerID:     "cust-1",
		ServiceType: "jira",
		Type:        storage.CredentialAPIToken,
		APIToken:    "s3cret-token",
		BaseURL:     "https://acme.atlassian.net",
		Username:    "bot@acme.example",
		Enabled:     true,
		Actor:       "admin@acme.example",
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	vault, backend, _ := newTestVault(t)
	ctx := context.Background()

	created, err := vault.Create(ctx, jiraParams())
	require.NoError(t, err)
	require.True(t, created.APIToken.IsPresent())

	// The row holds ciphertext, not the secret.
	row, err := backend.GetCredential(ctx, storage.OwnerCustomer, "cust-1", "jira")
	require.NoError(t, err)
	require.NotEqual(t, "s3cret-token", row.APIToken.String)
	require.True(t, strings.HasPrefix(row.APIToken.String, "enc:"))

	got, err := vault.Get(ctx, storage.OwnerCustomer, "cust-1", "jira", "admin@acme.example")
	require.NoError(t, err)
	require.Equal(t, "s3cret-token", got.APIToken.Value())
	require.True(t, got.Password.IsAbsent())

	// Exposure bumped last_used_at and audited.
	row, err = backend.GetCredential(ctx, storage.OwnerCustomer, "cust-1", "jira")
	require.NoError(t, err)
	require.False(t, row.LastUsedAt.IsZero())
	require.Equal(t, []string{storage.AuditCreated, storage.AuditAccessed}, backend.auditActions(created.ID))
}

func TestDuplicateServiceRejected(t *testing.T) {
	t.Parallel()
	vault, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := vault.Create(ctx, jiraParams())
	require.NoError(t, err)
	_, err = vault.Create(ctx, jiraParams())
	require.Error(t, err)
	require.True(t, trace.IsAlreadyExists(err))
}

func TestListRedactsSecrets(t *testing.T) {
	t.Parallel()
	vault, backend, _ := newTestVault(t)
	ctx := context.Background()

	created, err := vault.Create(ctx, jiraParams())
	require.NoError(t, err)

	records, err := vault.List(ctx, storage.OwnerCustomer, "cust-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].APIToken.IsRedacted())
	require.Equal(t, "", records[0].APIToken.Value())

	raw, err := json.Marshal(records[0])
	require.NoError(t, err)
	require.Contains(t, string(raw), `"apiToken":"[ENCRYPTED]"`)
	require.Contains(t, string(raw), `"password":null`)
	require.NotContains(t, string(raw), "s3cret-token")

	// Listing metadata audits nothing.
	require.Equal(t, []string{storage.AuditCreated}, backend.auditActions(created.ID))
}

func TestUpdateKeepsOmittedSecrets(t *testing.T) {
	t.Parallel()
	vault, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := vault.Create(ctx, jiraParams())
	require.NoError(t, err)

	params := jiraParams()
	params.APIToken = "" // unchanged
	params.BaseURL = "https://acme-sandbox.atlassian.net"
	_, err = vault.Update(ctx, params)
	require.NoError(t, err)

	got, err := vault.Get(ctx, storage.OwnerCustomer, "cust-1", "jira", "admin")
	require.NoError(t, err)
	require.Equal(t, "s3cret-token", got.APIToken.Value())
	require.Equal(t, "https://acme-sandbox.atlassian.net", got.BaseURL)
}

func TestDeleteKeepsAuditTrail(t *testing.T) {
	t.Parallel()
	vault, backend, _ := newTestVault(t)
	ctx := context.Background()

	created, err := vault.Create(ctx, jiraParams())
	require.NoError(t, err)
	require.NoError(t, vault.Delete(ctx, storage.OwnerCustomer, "cust-1", "jira", "admin"))

	_, err = vault.Get(ctx, storage.OwnerCustomer, "cust-1", "jira", "admin")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
	require.Equal(t, []string{storage.AuditCreated, storage.AuditDeleted}, backend.auditActions(created.ID))
}

func TestRecordTest(t *testing.T) {
	t.Parallel()
	vault, backend, _ := newTestVault(t)
	ctx := context.Background()

	created, err := vault.Create(ctx, jiraParams())
	require.NoError(t, err)

	require.NoError(t, vault.RecordTest(ctx, storage.OwnerCustomer, "cust-1", "jira", false, "401 from upstream", "admin"))
	row, err := backend.GetCredentialByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", row.LastTestStatus.String)
	require.Equal(t, "401 from upstream", row.LastTestError.String)
	require.False(t, row.LastTestedAt.IsZero())

	require.NoError(t, vault.RecordTest(ctx, storage.OwnerCustomer, "cust-1", "jira", true, "", "admin"))
	row, err = backend.GetCredentialByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "success", row.LastTestStatus.String)
	require.Equal(t, "", row.LastTestError.String)
}

func TestUnreadableRecordIsQuarantined(t *testing.T) {
	t.Parallel()
	vault, backend, _ := newTestVault(t)
	ctx := context.Background()

	created, err := vault.Create(ctx, jiraParams())
	require.NoError(t, err)

	// Corrupt the stored ciphertext, as if the key had changed.
	backend.mu.Lock()
	backend.creds[created.ID].APIToken = nullString("bogus-blob")
	backend.mu.Unlock()

	_, err = vault.Get(ctx, storage.OwnerCustomer, "cust-1", "jira", "admin")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnreadable))

	row, err := backend.GetCredentialByID(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, row.Enabled)

	actions := backend.auditActions(created.ID)
	require.Equal(t, storage.AuditAccessed, actions[len(actions)-1])
	last := backend.audits[len(backend.audits)-1]
	require.False(t, last.Success)
}

type fakeRefresher struct {
	mu      sync.Mutex
	revoked map[string]bool
	calls   int
}

func (r *fakeRefresher) Refresh(_ context.Context, record *Record) (*TokenUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.revoked[record.ServiceType] {
		return nil, trace.AccessDenied("refresh token revoked")
	}
	return &TokenUpdate{
		AccessToken: "fresh-" + record.ServiceType,
		ExpiresAt:   record.ExpiresAt.Add(time.Hour),
	}, nil
}

func TestRefreshExpiring(t *testing.T) {
	t.Parallel()
	vault, backend, clock := newTestVault(t)
	ctx := context.Background()

	expiring := WriteParams{
		OwnerKind:    storage.OwnerCustomer,
		OwnerID:      "cust-1",
		ServiceType:  "azure_devops",
		Type:         storage.CredentialOAuth2,
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(5 * time.Minute),
		Enabled:      true,
	}
	created, err := vault.Create(ctx, expiring)
	require.NoError(t, err)

	// Just past the hour-long lookahead, so the sweep leaves it alone.
	healthy := expiring
	healthy.ServiceType = "github"
	healthy.ExpiresAt = clock.Now().Add(DefaultRefreshWindow + time.Minute)
	_, err = vault.Create(ctx, healthy)
	require.NoError(t, err)

	refresher := &fakeRefresher{}
	refreshed, err := vault.RefreshExpiring(ctx, DefaultRefreshWindow, refresher, 0)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed)
	require.Equal(t, 1, refresher.calls)

	got, err := vault.Get(ctx, storage.OwnerCustomer, "cust-1", "azure_devops", "test")
	require.NoError(t, err)
	require.Equal(t, "fresh-azure_devops", got.AccessToken.Value())
	// The stored refresh token was not replaced.
	require.Equal(t, "refresh-1", got.RefreshToken.Value())

	actions := backend.auditActions(created.ID)
	require.Contains(t, actions, storage.AuditRefreshed)
}

func TestRefreshRevokedDisablesCredential(t *testing.T) {
	t.Parallel()
	vault, backend, clock := newTestVault(t)
	ctx := context.Background()

	params := WriteParams{
		OwnerKind:    storage.OwnerCustomer,
		OwnerID:      "cust-1",
		ServiceType:  "gitlab",
		Type:         storage.CredentialOAuth2,
		AccessToken:  "old",
		RefreshToken: "revoked-token",
		ExpiresAt:    clock.Now().Add(time.Minute),
		Enabled:      true,
	}
	created, err := vault.Create(ctx, params)
	require.NoError(t, err)

	refresher := &fakeRefresher{revoked: map[string]bool{"gitlab": true}}
	refreshed, err := vault.RefreshExpiring(ctx, DefaultRefreshWindow, refresher, 2)
	require.NoError(t, err)
	require.Equal(t, 0, refreshed)

	row, err := backend.GetCredentialByID(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, row.Enabled)

	// Disabled records drop out of the next sweep.
	refreshed, err = vault.RefreshExpiring(ctx, DefaultRefreshWindow, refresher, 2)
	require.NoError(t, err)
	require.Equal(t, 0, refreshed)
	require.Equal(t, 1, refresher.calls)
}

func TestWriteParamsValidation(t *testing.T) {
	t.Parallel()
	vault, _, _ := newTestVault(t)
	ctx := context.Background()

	bad := jiraParams()
	bad.OwnerKind = "team"
	_, err := vault.Create(ctx, bad)
	require.Error(t, err)

	bad = jiraParams()
	bad.Type = "magic"
	_, err = vault.Create(ctx, bad)
	require.Error(t, err)

	bad = jiraParams()
	bad.ServiceType = ""
	_, err = vault.Create(ctx, bad)
	require.Error(t, err)
}

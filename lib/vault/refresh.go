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
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/storage"
)

const (
	// DefaultRefreshWindow is how far ahead of expiry tokens are renewed.
	DefaultRefreshWindow = time.Hour
	// DefaultRefreshConcurrency bounds parallel provider round trips.
	DefaultRefreshConcurrency = 4
)

// Refresher exchanges a refresh token for fresh tokens. Implementations
// speak the provider's OAuth endpoint; the vault itself does not.
// A trace.AccessDenied return means the refresh token was revoked and the
// credential should stop being retried.
type Refresher interface {
	Refresh(ctx context.Context, record *Record) (*TokenUpdate, error)
}

// TokenUpdate is the outcome of one successful refresh. An empty
// RefreshToken keeps the stored one.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// RefreshExpiring renews every enabled OAuth credential expiring within
// the window. Individual failures are audited and logged, never fatal to
// the sweep; the returned count is the number of successful renewals.
func (v *Vault) RefreshExpiring(ctx context.Context, within time.Duration, refresher Refresher, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = DefaultRefreshConcurrency
	}
	cutoff := storage.TimeToMillis(v.clock.Now().Add(within))
	rows, err := v.backend.ListExpiringOAuth(ctx, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	var refreshed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i := range rows {
		row := rows[i]
		group.Go(func() error {
			if v.refreshOne(groupCtx, &row, refresher) {
				refreshed.Add(1)
			}
			return nil
		})
	}
	group.Wait()
	return int(refreshed.Load()), nil
}

func (v *Vault) refreshOne(ctx context.Context, row *storage.Credential, refresher Refresher) bool {
	log := logger.Get(ctx).WithField("credential_id", row.ID).WithField("service", row.ServiceType)

	record, err := v.toRecord(ctx, row, false)
	if err != nil {
		v.quarantine(ctx, row.ID, "token-refresher", err)
		return false
	}

	update, err := refresher.Refresh(ctx, record)
	if err != nil {
		if trace.IsAccessDenied(err) {
			// The provider revoked the grant; retrying every sweep would only
			// hammer their endpoint.
			v.disableRevoked(ctx, row.ID, err)
			return false
		}
		log.WithError(err).Warn("Token refresh failed")
		v.auditRefresh(ctx, row.ID, false, err.Error())
		return false
	}

	now := storage.TimeToMillis(v.clock.Now())
	err = v.backend.Transact(ctx, func(tx Tx) error {
		stored, err := tx.GetCredentialByID(ctx, row.ID)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := v.sealInto(ctx, stored, WriteParams{
			AccessToken:  update.AccessToken,
			RefreshToken: update.RefreshToken,
		}); err != nil {
			return trace.Wrap(err)
		}
		if update.TokenType != "" {
			stored.TokenType = nullString(update.TokenType)
		}
		stored.ExpiresAt = storage.TimeToMillis(update.ExpiresAt)
		stored.LastRefreshed = now
		stored.UpdatedAt = now
		if err := tx.UpdateCredential(ctx, stored); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: row.ID,
			Action:       storage.AuditRefreshed,
			Success:      true,
			Actor:        nullString("token-refresher"),
			Timestamp:    now,
		}))
	})
	if err != nil {
		log.WithError(err).Warn("Failed to store refreshed tokens")
		return false
	}
	log.Debug("Refreshed OAuth tokens")
	return true
}

func (v *Vault) disableRevoked(ctx context.Context, id string, cause error) {
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
			Action:       storage.AuditRefreshed,
			Success:      false,
			Error:        nullString(cause.Error()),
			Actor:        nullString("token-refresher"),
			Timestamp:    now,
		}))
	})
	if err != nil {
		logger.Get(ctx).WithError(err).WithField("credential_id", id).Warn("Failed to disable revoked credential")
	} else {
		logger.Get(ctx).WithField("credential_id", id).Warn("Disabled credential with revoked refresh token")
	}
}

func (v *Vault) auditRefresh(ctx context.Context, id string, success bool, message string) {
	err := v.backend.Transact(ctx, func(tx Tx) error {
		return trace.Wrap(tx.AppendCredentialAudit(ctx, &storage.CredentialAudit{
			CredentialID: id,
			Action:       storage.AuditRefreshed,
			Success:      success,
			Error:        nullString(message),
			Actor:        nullString("token-refresher"),
			Timestamp:    storage.TimeToMillis(v.clock.Now()),
		}))
	})
	if err != nil {
		logger.Get(ctx).WithError(err).Warn("Failed to audit token refresh")
	}
}

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

// Package auth authenticates the two request populations: machine clients
// presenting a bearer license key, and human admins presenting a JWT minted
// after a SAML login. It also owns the per-tenant rate limiter.
package auth

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/snowflow/license-server/lib/license"
	"github.com/snowflow/license-server/lib/seats"
	"github.com/snowflow/license-server/lib/storage"
)

// Backend is the auth layer's view of the database; *storage.DB satisfies
// it.
type Backend interface {
	GetCustomerByLicenseKey(ctx context.Context, key string) (*storage.Customer, error)
	GetServiceIntegratorByMasterKey(ctx context.Context, key string) (*storage.ServiceIntegrator, error)
	CreateSsoSession(ctx context.Context, s *storage.SsoSession) error
	GetSsoSessionByTokenHash(ctx context.Context, tokenHash string) (*storage.SsoSession, error)
	TouchSsoSession(ctx context.Context, id string, now storage.Millis) error
	DeleteSsoSession(ctx context.Context, id string) error
	DeleteExpiredSsoSessions(ctx context.Context, now storage.Millis) (int64, error)
}

// Principal is the authenticated owner of a machine-client request.
// Exactly one of Customer or Integrator is set.
type Principal struct {
	Customer   *storage.Customer
	Integrator *storage.ServiceIntegrator
	License    *license.Parsed
}

// TenantID returns the id rate limits and audit records key on.
func (p *Principal) TenantID() string {
	if p.Customer != nil {
		return p.Customer.ID
	}
	if p.Integrator != nil {
		return p.Integrator.ID
	}
	return ""
}

type principalKey struct{}

// WithPrincipal attaches an authenticated principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// LicenseAuth authenticates bearer license keys.
type LicenseAuth struct {
	backend Backend
	secret  string
	clock   clockwork.Clock
}

// NewLicenseAuth creates the license-key authenticator. The secret salts
// the license key checksums.
func NewLicenseAuth(backend Backend, secret string, clock clockwork.Clock) *LicenseAuth {
	return &LicenseAuth{backend: backend, secret: secret, clock: clock}
}

// Authenticate resolves a bearer license key to its tenant. The key must
// parse under the grammar, resolve to a row, and the tenant must be active;
// seat-based and legacy keys must also be unexpired. Sentinel errors pass
// through so the edge can map them to statuses.
func (a *LicenseAuth) Authenticate(ctx context.Context, key string) (*Principal, error) {
	parsed, err := license.Parse(key, a.secret)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if license.OpaqueSIKeyRe.MatchString(key) {
		si, err := a.backend.GetServiceIntegratorByMasterKey(ctx, key)
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, trace.AccessDenied("unknown license key")
			}
			return nil, trace.Wrap(err)
		}
		if si.Status != storage.StatusActive {
			return nil, trace.Wrap(seats.ErrCustomerInactive, "service integrator %v is %s", si.ID, si.Status)
		}
		return &Principal{Integrator: si, License: parsed}, nil
	}

	customer, err := a.backend.GetCustomerByLicenseKey(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("unknown license key")
		}
		return nil, trace.Wrap(err)
	}
	if customer.Status != storage.StatusActive {
		return nil, trace.Wrap(seats.ErrCustomerInactive, "customer %v is %s", customer.ID, customer.Status)
	}
	if err := parsed.CheckExpiry(a.clock.Now()); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Principal{Customer: customer, License: parsed}, nil
}

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

package web

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/snowflow/license-server/lib/auth"
	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/saml"
	"github.com/snowflow/license-server/lib/seats"
	"github.com/snowflow/license-server/lib/storage"
	"github.com/snowflow/license-server/lib/vault"
)

// Backend is the slice of the storage layer the handlers talk to directly;
// *storage.DB satisfies it. Seat admission and the vault go through their
// own managers.
type Backend interface {
	Ping(ctx context.Context) error
	BumpAPICallCount(ctx context.Context, customerID string) error
	UpsertUser(ctx context.Context, u *storage.User) error

	CreateCustomer(ctx context.Context, c *storage.Customer) error
	GetCustomer(ctx context.Context, id string) (*storage.Customer, error)
	ListCustomers(ctx context.Context, siID string) ([]storage.Customer, error)
	UpdateCustomer(ctx context.Context, c *storage.Customer) error
	DeleteCustomer(ctx context.Context, id string) error
	ListConnections(ctx context.Context, customerID string) ([]storage.ActiveConnection, error)
	ListConnectionEvents(ctx context.Context, customerID string, limit int) ([]storage.ConnectionEvent, error)

	CreateServiceIntegrator(ctx context.Context, si *storage.ServiceIntegrator) error
	GetServiceIntegrator(ctx context.Context, id string) (*storage.ServiceIntegrator, error)
	ListServiceIntegrators(ctx context.Context) ([]storage.ServiceIntegrator, error)
	UpdateServiceIntegrator(ctx context.Context, si *storage.ServiceIntegrator) error
	DeleteServiceIntegrator(ctx context.Context, id string) error

	UpsertTheme(ctx context.Context, t *storage.Theme) error
	GetThemeByKey(ctx context.Context, themeKey string) (*storage.Theme, error)
	ListThemes(ctx context.Context, siID string) ([]storage.Theme, error)
	DeleteTheme(ctx context.Context, themeKey string) error

	UpsertSsoConfig(ctx context.Context, c *storage.SsoConfig) error
	GetSsoConfig(ctx context.Context, customerID string) (*storage.SsoConfig, error)
	DeleteSsoConfig(ctx context.Context, customerID string) error
}

// ServerConfig wires the domain services into the HTTP edge.
type ServerConfig struct {
	Store    Backend
	Licenses *auth.LicenseAuth
	Sessions *auth.SessionManager
	Seats    *seats.Manager
	Vault    *vault.Vault
	SAML     *saml.Service
	Tools    ToolDispatcher

	// TenantLimiter gates authenticated machine and API traffic per
	// tenant; IPLimiter gates the anonymous SSO endpoints per client IP.
	TenantLimiter *auth.RateLimiter
	IPLimiter     *auth.RateLimiter

	// AdminKey grants admin-API access out of band; empty disables it.
	AdminKey string
	// LicenseSecret salts generated license key checksums.
	LicenseSecret string
	// SecureCookies marks session cookies Secure; off for local insecure
	// deployments only.
	SecureCookies bool

	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the wiring.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Store == nil || c.Licenses == nil || c.Sessions == nil || c.Seats == nil ||
		c.Vault == nil || c.SAML == nil {
		return trace.BadParameter("missing server dependencies")
	}
	if c.TenantLimiter == nil || c.IPLimiter == nil {
		return trace.BadParameter("missing rate limiters")
	}
	if c.LicenseSecret == "" {
		return trace.BadParameter("missing license secret")
	}
	if c.Tools == nil {
		c.Tools = NotImplementedDispatcher{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server owns the route table.
type Server struct {
	conf ServerConfig
}

// NewServer registers all routes of the license server onto the HTTP
// wrapper's router.
func NewServer(h *HTTP, conf ServerConfig) (*Server, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{conf: conf}

	h.GET("/healthz", s.handleHealth)

	h.POST("/mcp/connect", s.withLicense(s.handleConnect))
	h.POST("/mcp/heartbeat", s.withLicense(s.handleHeartbeat))
	h.POST("/mcp/disconnect", s.withLicense(s.handleDisconnect))
	h.POST("/mcp/tools/call", s.withLicense(s.handleToolCall))

	h.GET("/sso/login/:customerId", s.withIPLimit(s.handleSsoLogin))
	h.POST("/sso/callback", s.withIPLimit(s.handleSsoCallback))
	h.POST("/sso/logout", s.handleSsoLogout)
	h.GET("/sso/metadata/:customerId", s.handleSsoMetadata)

	h.GET("/api/credentials", s.withSession(s.handleCredentialList))
	h.GET("/api/credentials/:service", s.withSession(s.handleCredentialGet))
	h.POST("/api/credentials/:service", s.withSession(s.handleCredentialCreate))
	h.PUT("/api/credentials/:service", s.withSession(s.handleCredentialUpdate))
	h.DELETE("/api/credentials/:service", s.withSession(s.handleCredentialDelete))
	h.POST("/api/credentials/:service/test", s.withSession(s.handleCredentialTest))
	h.GET("/api/credentials/:service/audit", s.withSession(s.handleCredentialAudit))

	h.GET("/api/admin/customers", s.withAdmin(s.handleCustomerList))
	h.POST("/api/admin/customers", s.withAdmin(s.handleCustomerCreate))
	h.GET("/api/admin/customers/:id", s.withAdmin(s.handleCustomerGet))
	h.PUT("/api/admin/customers/:id", s.withAdmin(s.handleCustomerUpdate))
	h.DELETE("/api/admin/customers/:id", s.withAdmin(s.handleCustomerDelete))
	h.GET("/api/admin/customers/:id/connections", s.withAdmin(s.handleCustomerConnections))
	h.GET("/api/admin/customers/:id/events", s.withAdmin(s.handleCustomerEvents))
	h.PUT("/api/admin/customers/:id/sso", s.withAdmin(s.handleSsoConfigPut))
	h.GET("/api/admin/customers/:id/sso", s.withAdmin(s.handleSsoConfigGet))
	h.DELETE("/api/admin/customers/:id/sso", s.withAdmin(s.handleSsoConfigDelete))

	h.GET("/api/admin/integrators", s.withAdmin(s.handleIntegratorList))
	h.POST("/api/admin/integrators", s.withAdmin(s.handleIntegratorCreate))
	h.GET("/api/admin/integrators/:id", s.withAdmin(s.handleIntegratorGet))
	h.PUT("/api/admin/integrators/:id", s.withAdmin(s.handleIntegratorUpdate))
	h.DELETE("/api/admin/integrators/:id", s.withAdmin(s.handleIntegratorDelete))

	h.GET("/api/admin/themes", s.withAdmin(s.handleThemeList))
	h.POST("/api/admin/themes", s.withAdmin(s.handleThemePut))
	h.PUT("/api/admin/themes/:key", s.withAdmin(s.handleThemePut))
	h.DELETE("/api/admin/themes/:key", s.withAdmin(s.handleThemeDelete))
	h.GET("/api/theme/:key", s.handleThemeGet)

	h.POST("/api/admin/licenses", s.withAdmin(s.handleLicenseGenerate))

	return s, nil
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.conf.Store.Ping(r.Context()); err != nil {
		sendJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	sendJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

// withLicense authenticates the bearer license key, applies the per-tenant
// rate limit and attaches the principal to the request context.
func (s *Server) withLicense(h httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
		ctx := r.Context()
		key := bearerToken(r)
		if key == "" {
			sendJSON(rw, http.StatusUnauthorized, map[string]errorBody{"error": {
				Code: CodeAuthMissing, Message: "missing license key",
			}})
			return
		}
		principal, err := s.conf.Licenses.Authenticate(ctx, key)
		if err != nil {
			sendError(ctx, rw, err)
			return
		}
		ok, reset, err := s.conf.TenantLimiter.Allow(ctx, principal.TenantID())
		if err != nil {
			sendError(ctx, rw, err)
			return
		}
		if !ok {
			rw.Header().Set("Retry-After", reset.UTC().Format(http.TimeFormat))
			sendJSON(rw, http.StatusTooManyRequests, map[string]errorBody{"error": {
				Code: CodeRateLimited, Message: "rate limit exceeded, retry later",
			}})
			return
		}
		s.bumpAPICount(principal.TenantID())
		h(rw, r.WithContext(auth.WithPrincipal(ctx, principal)), params)
	}
}

// withSession authenticates the admin session from the sso_token cookie or
// a bearer JWT. Every failure is the same 401 so callers re-run SSO.
func (s *Server) withSession(h httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
		ctx := r.Context()
		token := sessionToken(r)
		if token == "" {
			sendSsoRequired(rw, "missing admin session")
			return
		}
		user, err := s.conf.Sessions.Verify(ctx, token)
		if err != nil {
			logger.Get(ctx).WithError(err).Debug("Admin session rejected")
			sendSsoRequired(rw, "session is invalid or expired")
			return
		}
		h(rw, r.WithContext(auth.WithSessionUser(ctx, user)), params)
	}
}

// withAdmin grants access on the out-of-band admin key or falls back to a
// regular admin session.
func (s *Server) withAdmin(h httprouter.Handle) httprouter.Handle {
	withSession := s.withSession(h)
	return func(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if key := r.Header.Get("X-Admin-Key"); key != "" && s.conf.AdminKey != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.conf.AdminKey)) == 1 {
				h(rw, r, params)
				return
			}
			sendJSON(rw, http.StatusUnauthorized, map[string]errorBody{"error": {
				Code: CodeAuthInvalid, Message: "invalid admin key",
			}})
			return
		}
		withSession(rw, r, params)
	}
}

// withIPLimit applies the per-IP limit on unauthenticated SSO endpoints.
func (s *Server) withIPLimit(h httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
		ctx := r.Context()
		ok, reset, err := s.conf.IPLimiter.Allow(ctx, clientIP(r))
		if err != nil {
			sendError(ctx, rw, err)
			return
		}
		if !ok {
			rw.Header().Set("Retry-After", reset.UTC().Format(http.TimeFormat))
			sendJSON(rw, http.StatusTooManyRequests, map[string]errorBody{"error": {
				Code: CodeRateLimited, Message: "rate limit exceeded, retry later",
			}})
			return
		}
		h(rw, r, params)
	}
}

// bumpAPICount increments the tenant's call counter off the request path;
// a failed bump never fails the request.
func (s *Server) bumpAPICount(tenantID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.conf.Store.BumpAPICallCount(ctx, tenantID); err != nil {
			logger.Standard().WithError(err).Debug("Failed to bump API call counter")
		}
	}()
}

func sendSsoRequired(rw http.ResponseWriter, msg string) {
	sendJSON(rw, http.StatusUnauthorized, map[string]errorBody{"error": {
		Code: CodeSsoRequired, Message: msg,
	}})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if h, ok := strings.CutPrefix(header, "Bearer "); ok {
		return h
	}
	return ""
}

func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return bearerToken(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

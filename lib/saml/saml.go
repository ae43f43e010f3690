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

// Package saml wraps the SAML 2.0 service-provider flow around per-customer
// identity provider configurations. Providers are cached per customer and
// rebuilt whenever the stored config changes.
package saml

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"encoding/xml"
	"math/big"
	"sync"
	"time"

	"github.com/gravitational/trace"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/tidwall/gjson"

	"github.com/snowflow/license-server/lib/storage"
)

// DefaultNameIDFormat asks the IdP for an email-shaped subject.
const DefaultNameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"

// Backend resolves customer SSO configurations; *storage.DB satisfies it.
type Backend interface {
	GetSsoConfig(ctx context.Context, customerID string) (*storage.SsoConfig, error)
}

// Identity is what a validated assertion yields.
type Identity struct {
	NameID      string
	Email       string
	DisplayName string
	// Attributes carries the raw assertion attributes after applying the
	// customer's attribute mapping.
	Attributes map[string]string
}

// Service manages per-customer SAML service providers.
type Service struct {
	backend  Backend
	spIssuer string

	keyOnce  sync.Once
	keyStore dsig.X509KeyStore
	keyErr   error

	mu        sync.RWMutex
	providers map[string]*cachedProvider
}

type cachedProvider struct {
	provider  *saml2.SAMLServiceProvider
	conf      *storage.SsoConfig
	updatedAt storage.Millis
}

// NewService creates the SAML layer. spIssuer is this server's entity id.
func NewService(backend Backend, spIssuer string) *Service {
	return &Service{
		backend:   backend,
		spIssuer:  spIssuer,
		providers: make(map[string]*cachedProvider),
	}
}

// LoginURL builds the IdP redirect for an SP-initiated login.
func (s *Service) LoginURL(ctx context.Context, customerID, relayState string) (string, error) {
	provider, _, err := s.provider(ctx, customerID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	url, err := provider.BuildAuthURL(relayState)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return url, nil
}

// ValidateResponse checks the signed assertion of an ACS callback and
// extracts the admin identity under the customer's attribute mapping.
func (s *Service) ValidateResponse(ctx context.Context, customerID, encodedResponse string) (*Identity, error) {
	provider, conf, err := s.provider(ctx, customerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	info, err := provider.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, trace.AccessDenied("SAML assertion rejected: %v", err)
	}
	if info.WarningInfo.InvalidTime {
		return nil, trace.AccessDenied("SAML assertion is outside its validity window")
	}
	if info.WarningInfo.NotInAudience {
		return nil, trace.AccessDenied("SAML assertion audience mismatch")
	}

	attrs := make(map[string]string)
	for name, attr := range info.Values {
		if len(attr.Values) > 0 {
			attrs[name] = attr.Values[0].Value
		}
	}

	identity := &Identity{
		NameID:     info.NameID,
		Attributes: attrs,
	}
	mapping := attributeMapping(conf)
	identity.Email = firstAttr(attrs, mapping["email"], "email", "mail", "urn:oid:0.9.2342.19200300.100.1.3")
	identity.DisplayName = firstAttr(attrs, mapping["displayName"], "displayName", "cn", "name")
	if identity.Email == "" && looksLikeEmail(info.NameID) {
		identity.Email = info.NameID
	}
	return identity, nil
}

// Metadata renders the SP metadata document served to IdP operators.
func (s *Service) Metadata(ctx context.Context, customerID string) ([]byte, error) {
	provider, _, err := s.provider(ctx, customerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	descriptor, err := provider.Metadata()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return append([]byte(xml.Header), out...), nil
}

// LogoutURL returns the IdP's SLO endpoint for browser redirect, if the
// customer configured one.
func (s *Service) LogoutURL(ctx context.Context, customerID string) (string, error) {
	_, conf, err := s.provider(ctx, customerID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return conf.LogoutURL.String, nil
}

// Invalidate drops the cached provider after a config change.
func (s *Service) Invalidate(customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, customerID)
}

// provider returns the cached service provider, rebuilding it when the
// stored config is newer than the cache entry.
func (s *Service) provider(ctx context.Context, customerID string) (*saml2.SAMLServiceProvider, *storage.SsoConfig, error) {
	conf, err := s.backend.GetSsoConfig(ctx, customerID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if !conf.Enabled {
		return nil, nil, trace.NotFound("SSO is not enabled for customer %v", customerID)
	}

	s.mu.RLock()
	cached, ok := s.providers[customerID]
	s.mu.RUnlock()
	if ok && cached.updatedAt == conf.UpdatedAt {
		return cached.provider, cached.conf, nil
	}

	provider, err := s.buildProvider(conf)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	s.mu.Lock()
	s.providers[customerID] = &cachedProvider{provider: provider, conf: conf, updatedAt: conf.UpdatedAt}
	s.mu.Unlock()
	return provider, conf, nil
}

func (s *Service) buildProvider(conf *storage.SsoConfig) (*saml2.SAMLServiceProvider, error) {
	certStore, err := certificateStore(conf.IdpCert)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	nameIDFormat := conf.NameIDFormat.String
	if nameIDFormat == "" {
		nameIDFormat = DefaultNameIDFormat
	}

	provider := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      conf.EntryPoint,
		IdentityProviderIssuer:      conf.Issuer,
		AssertionConsumerServiceURL: conf.CallbackURL,
		ServiceProviderIssuer:       s.spIssuer,
		AudienceURI:                 s.spIssuer,
		IDPCertificateStore:         certStore,
		NameIdFormat:                nameIDFormat,
		SignAuthnRequests:           conf.SignRequests,
	}
	// The SP keystore backs the metadata document as well as request
	// signing, so the provider needs one even when signing is off.
	keyStore, err := s.signingKeyStore()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	provider.SPKeyStore = keyStore
	return provider, nil
}

// signingKeyStore lazily generates the per-process SP signing keypair. The
// certificate is published through the SP metadata endpoint, so IdPs that
// verify request signatures pick it up from there.
func (s *Service) signingKeyStore() (dsig.X509KeyStore, error) {
	s.keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			s.keyErr = trace.Wrap(err)
			return
		}
		template := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: s.spIssuer},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().AddDate(10, 0, 0),
			KeyUsage:     x509.KeyUsageDigitalSignature,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
		if err != nil {
			s.keyErr = trace.Wrap(err)
			return
		}
		s.keyStore = dsig.TLSCertKeyStore(tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		})
	})
	return s.keyStore, s.keyErr
}

// certificateStore parses the stored IdP certificate, accepting either PEM
// or a bare base64 DER body as IdPs hand them out.
func certificateStore(certPEM string) (dsig.X509CertificateStore, error) {
	store := &dsig.MemoryX509CertificateStore{}
	rest := []byte(certPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, trace.BadParameter("parsing IdP certificate: %v", err)
		}
		store.Roots = append(store.Roots, cert)
	}
	if len(store.Roots) == 0 {
		return nil, trace.BadParameter("no certificate found in IdP configuration")
	}
	return store, nil
}

// attributeMapping reads the stored JSON mapping of identity fields to
// assertion attribute names.
func attributeMapping(conf *storage.SsoConfig) map[string]string {
	out := make(map[string]string)
	if !conf.AttributeMapping.Valid || conf.AttributeMapping.String == "" {
		return out
	}
	parsed := gjson.Parse(conf.AttributeMapping.String)
	if !parsed.IsObject() {
		return out
	}
	parsed.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.String()
		return true
	})
	return out
}

func firstAttr(attrs map[string]string, names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if v, ok := attrs[name]; ok && v != "" {
			return v
		}
	}
	return ""
}

func looksLikeEmail(s string) bool {
	at := -1
	for i, r := range s {
		if r == '@' {
			if at != -1 {
				return false
			}
			at = i
		}
	}
	return at > 0 && at < len(s)-1
}

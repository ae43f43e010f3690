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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

const (
	// JWTIssuer identifies tokens minted by this server.
	JWTIssuer = "snow-flow-enterprise"
	// JWTAudience scopes tokens to the license server API.
	JWTAudience = "license-server"
	// SessionTTL is the admin session and token lifetime.
	SessionTTL = 8 * time.Hour
)

// Claims is the payload of an admin JWT.
type Claims struct {
	CustomerID   string            `json:"customerId"`
	UserID       string            `json:"userId"`
	Email        string            `json:"email,omitempty"`
	DisplayName  string            `json:"displayName,omitempty"`
	NameID       string            `json:"nameId"`
	SessionIndex string            `json:"sessionIndex,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies HS256 admin tokens.
type TokenService struct {
	secret []byte
	clock  clockwork.Clock
}

// NewTokenService creates a token service signing with the given secret.
func NewTokenService(secret string, clock clockwork.Clock) (*TokenService, error) {
	if secret == "" {
		return nil, trace.BadParameter("missing JWT signing secret")
	}
	return &TokenService{secret: []byte(secret), clock: clock}, nil
}

// Mint signs a token for the given identity. Expiry is now + SessionTTL.
func (s *TokenService) Mint(claims Claims) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(SessionTTL)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    JWTIssuer,
		Audience:  jwt.ClaimStrings{JWTAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return token, expiresAt, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry. Any
// failure is an access denial; expiry is distinguishable via jwt's own
// sentinel for the re-authentication hint.
func (s *TokenService) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(JWTIssuer),
		jwt.WithAudience(JWTAudience),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !parsed.Valid {
		return nil, trace.AccessDenied("invalid session token")
	}
	return claims, nil
}

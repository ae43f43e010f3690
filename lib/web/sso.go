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
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/snowflow/license-server/lib/auth"
	"github.com/snowflow/license-server/lib/logger"
)

const sessionCookieName = "sso_token"

// handleSsoLogin starts the SP-initiated flow: redirect the browser to the
// customer's IdP with the customer id as relay state, so the callback knows
// which tenant the assertion belongs to.
func (s *Server) handleSsoLogin(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	customerID := params.ByName("customerId")
	loginURL, err := s.conf.SAML.LoginURL(ctx, customerID, customerID)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	http.Redirect(rw, r, loginURL, http.StatusFound)
}

// handleSsoCallback is the assertion consumer service: validate the signed
// response, mint the session and set the cookie.
func (s *Server) handleSsoCallback(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		sendError(ctx, rw, trace.BadParameter("invalid form body: %v", err))
		return
	}
	encodedResponse := r.PostFormValue("SAMLResponse")
	customerID := r.PostFormValue("RelayState")
	if encodedResponse == "" || customerID == "" {
		sendError(ctx, rw, trace.BadParameter("missing SAMLResponse or RelayState"))
		return
	}

	identity, err := s.conf.SAML.ValidateResponse(ctx, customerID, encodedResponse)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}

	token, session, err := s.conf.Sessions.Create(ctx, auth.CreateSessionParams{
		CustomerID:  customerID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		NameID:      identity.NameID,
		Attributes:  identity.Attributes,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		sendError(ctx, rw, err)
		return
	}

	s.setSessionCookie(rw, token, session.ExpiresAt.Time())
	sendJSON(rw, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": session.ExpiresAt.Time().Format(time.RFC3339),
		"email":     identity.Email,
	})
}

// handleSsoLogout deletes the session row and clears the cookie in one
// response. The IdP's SLO url rides along when the customer configured one.
func (s *Server) handleSsoLogout(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	token := sessionToken(r)
	if token == "" {
		sendSsoRequired(rw, "missing admin session")
		return
	}
	user, err := s.conf.Sessions.Verify(ctx, token)
	if err != nil {
		// The cookie is cleared even when the session is already dead.
		s.clearSessionCookie(rw)
		sendJSON(rw, http.StatusOK, map[string]bool{"loggedOut": true})
		return
	}
	if err := s.conf.Sessions.Logout(ctx, token); err != nil {
		sendError(ctx, rw, err)
		return
	}
	s.clearSessionCookie(rw)

	body := map[string]interface{}{"loggedOut": true}
	if sloURL, err := s.conf.SAML.LogoutURL(ctx, user.CustomerID); err == nil && sloURL != "" {
		body["sloUrl"] = sloURL
	} else if err != nil && !trace.IsNotFound(err) {
		logger.Get(ctx).WithError(err).Debug("Failed to resolve IdP logout url")
	}
	sendJSON(rw, http.StatusOK, body)
}

func (s *Server) handleSsoMetadata(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	out, err := s.conf.SAML.Metadata(ctx, params.ByName("customerId"))
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	rw.Header().Set("Content-Type", "application/samlmetadata+xml")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(out)
}

func (s *Server) setSessionCookie(rw http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.conf.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(rw http.ResponseWriter) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.conf.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

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
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/snowflow/license-server/lib/auth"
	"github.com/snowflow/license-server/lib/storage"
	"github.com/snowflow/license-server/lib/vault"
)

// credentialWrite is the JSON body of create and update. Omitted secrets
// stay untouched on update.
type credentialWrite struct {
	CredentialType string `json:"credentialType"`

	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	APIToken     string `json:"apiToken"`
	Password     string `json:"password"`

	BaseURL   string `json:"baseUrl"`
	Username  string `json:"username"`
	ClientID  string `json:"clientId"`
	Scope     string `json:"scope"`
	TokenType string `json:"tokenType"`
	ExpiresAt string `json:"expiresAt"`
	Enabled   *bool  `json:"enabled"`
}

func (s *Server) handleCredentialList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	user := auth.SessionUserFrom(ctx)
	records, err := s.conf.Vault.List(ctx, storage.OwnerCustomer, user.CustomerID)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{"credentials": records})
}

func (s *Server) handleCredentialGet(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	user := auth.SessionUserFrom(ctx)
	record, err := s.conf.Vault.Get(ctx, storage.OwnerCustomer, user.CustomerID, params.ByName("service"), user.Email)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, record)
}

func (s *Server) handleCredentialCreate(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeCredential(rw, r, params, false)
}

func (s *Server) handleCredentialUpdate(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeCredential(rw, r, params, true)
}

func (s *Server) writeCredential(rw http.ResponseWriter, r *http.Request, params httprouter.Params, update bool) {
	ctx := r.Context()
	user := auth.SessionUserFrom(ctx)

	var req credentialWrite
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	expiresAt, err := parseTimeParam(req.ExpiresAt)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	writeParams := vault.WriteParams{
		OwnerKind:   storage.OwnerCustomer,
		OwnerID:     user.CustomerID,
		ServiceType: params.ByName("service"),
		Type:        req.CredentialType,

		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		APIToken:     req.APIToken,
		Password:     req.Password,

		BaseURL:   req.BaseURL,
		Username:  req.Username,
		ClientID:  req.ClientID,
		Scope:     req.Scope,
		TokenType: req.TokenType,
		ExpiresAt: expiresAt,
		Enabled:   enabled,
		Actor:     user.Email,
	}

	var record *vault.Record
	if update {
		record, err = s.conf.Vault.Update(ctx, writeParams)
	} else {
		record, err = s.conf.Vault.Create(ctx, writeParams)
	}
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	status := http.StatusOK
	if !update {
		status = http.StatusCreated
	}
	sendJSON(rw, status, record)
}

func (s *Server) handleCredentialDelete(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	user := auth.SessionUserFrom(ctx)
	if err := s.conf.Vault.Delete(ctx, storage.OwnerCustomer, user.CustomerID, params.ByName("service"), user.Email); err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]bool{"deleted": true})
}

type credentialTestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleCredentialTest(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	user := auth.SessionUserFrom(ctx)
	var req credentialTestResult
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	err := s.conf.Vault.RecordTest(ctx, storage.OwnerCustomer, user.CustomerID, params.ByName("service"),
		req.Success, req.Message, user.Email)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]bool{"recorded": true})
}

func (s *Server) handleCredentialAudit(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx := r.Context()
	user := auth.SessionUserFrom(ctx)
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendError(ctx, rw, trace.BadParameter("invalid limit %q", raw))
			return
		}
		limit = n
	}
	entries, err := s.conf.Vault.Audit(ctx, storage.OwnerCustomer, user.CustomerID, params.ByName("service"), limit)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]interface{}{"audit": entries})
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, trace.BadParameter("invalid timestamp %q, want RFC 3339", raw)
	}
	return t, nil
}

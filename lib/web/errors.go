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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/snowflow/license-server/lib/kms"
	"github.com/snowflow/license-server/lib/license"
	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/seats"
	"github.com/snowflow/license-server/lib/secrets"
	"github.com/snowflow/license-server/lib/vault"
)

// Stable machine codes returned in error bodies. Clients branch on these,
// never on the human message.
const (
	CodeInputMalformed    = "INPUT_MALFORMED"
	CodeAuthMissing       = "AUTH_MISSING"
	CodeAuthInvalid       = "AUTH_INVALID"
	CodeAuthExpired       = "AUTH_EXPIRED"
	CodeSsoRequired       = "SSO_REQUIRED"
	CodeSeatLimitExceeded = "SEAT_LIMIT_EXCEEDED"
	CodeCustomerInactive  = "CUSTOMER_INACTIVE"
	CodeLicenseExpired    = "LICENSE_EXPIRED"
	CodeLicenseChecksum   = "LICENSE_CHECKSUM_INVALID"
	CodeNotFound          = "NOT_FOUND"
	CodeUniqueViolation   = "UNIQUE_VIOLATION"
	CodeRateLimited       = "RATE_LIMITED"
	CodeCredUnreadable    = "CREDENTIAL_UNREADABLE"
	CodeInternal          = "INTERNAL"
	CodeTransient         = "TRANSIENT"
	CodeNotImplemented    = "NOT_IMPLEMENTED"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Seat rejection snapshots, present only on SEAT_LIMIT_EXCEEDED.
	Limit  *int    `json:"limit,omitempty"`
	Active *int    `json:"active,omitempty"`
	Role   *string `json:"role,omitempty"`
}

// sendError translates a domain error into a status, a stable code and a
// human message. Internal detail never leaves the process.
func sendError(ctx context.Context, rw http.ResponseWriter, err error) {
	status, body := translateError(err)
	if status >= http.StatusInternalServerError {
		logger.Get(ctx).WithError(err).Error("Request failed")
	}
	sendJSON(rw, status, map[string]errorBody{"error": body})
}

func translateError(err error) (int, errorBody) {
	if seatErr, ok := seats.IsSeatLimitError(err); ok {
		role := string(seatErr.Role)
		return http.StatusTooManyRequests, errorBody{
			Code:    CodeSeatLimitExceeded,
			Message: seatErr.Error(),
			Limit:   &seatErr.Limit,
			Active:  &seatErr.Active,
			Role:    &role,
		}
	}

	switch {
	case errors.Is(err, license.ErrMalformed):
		return http.StatusBadRequest, errorBody{Code: CodeInputMalformed, Message: "license key is malformed"}
	case errors.Is(err, license.ErrChecksum):
		return http.StatusForbidden, errorBody{Code: CodeLicenseChecksum, Message: "license checksum is invalid"}
	case errors.Is(err, license.ErrExpired):
		return http.StatusForbidden, errorBody{Code: CodeLicenseExpired, Message: "license has expired"}
	case errors.Is(err, seats.ErrCustomerInactive):
		return http.StatusForbidden, errorBody{Code: CodeCustomerInactive, Message: "customer account is not active"}
	case errors.Is(err, jwt.ErrTokenExpired):
		return http.StatusUnauthorized, errorBody{Code: CodeAuthExpired, Message: "session expired, sign in again via SSO"}
	case errors.Is(err, vault.ErrUnreadable), errors.Is(err, secrets.ErrCipherIntegrity):
		return http.StatusInternalServerError, errorBody{Code: CodeCredUnreadable, Message: "stored credential could not be decrypted"}
	case errors.Is(err, kms.ErrTransient), errors.Is(err, kms.ErrUnavailable):
		return http.StatusServiceUnavailable, errorBody{Code: CodeTransient, Message: "key management service unavailable, retry later"}
	}

	switch {
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, errorBody{Code: CodeInputMalformed, Message: trace.UserMessage(err)}
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized, errorBody{Code: CodeAuthInvalid, Message: trace.UserMessage(err)}
	case trace.IsNotFound(err):
		return http.StatusNotFound, errorBody{Code: CodeNotFound, Message: trace.UserMessage(err)}
	case trace.IsAlreadyExists(err):
		return http.StatusConflict, errorBody{Code: CodeUniqueViolation, Message: trace.UserMessage(err)}
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, errorBody{Code: CodeRateLimited, Message: "rate limit exceeded, retry later"}
	case trace.IsConnectionProblem(err):
		return http.StatusServiceUnavailable, errorBody{Code: CodeTransient, Message: "storage temporarily unavailable, retry later"}
	case trace.IsNotImplemented(err):
		return http.StatusNotImplemented, errorBody{Code: CodeNotImplemented, Message: trace.UserMessage(err)}
	}

	return http.StatusInternalServerError, errorBody{Code: CodeInternal, Message: "internal server error"}
}

func sendJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}

// readJSON decodes a request body, rejecting unknown and oversized payloads.
func readJSON(r *http.Request, into interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(into); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

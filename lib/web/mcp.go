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
	"database/sql"
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/snowflow/license-server/lib/auth"
	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/seats"
	"github.com/snowflow/license-server/lib/secrets"
	"github.com/snowflow/license-server/lib/storage"
)

var hexHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

type connectRequest struct {
	MachineID   string       `json:"machineId"`
	Role        storage.Role `json:"role"`
	DisplayName string       `json:"displayName"`
	Email       string       `json:"email"`
}

type connectResponse struct {
	ConnectionID string `json:"connectionId"`
	Role         string `json:"role"`
	// SeatLimit is -1 for unlimited pools.
	SeatLimit int `json:"seatLimit"`
	Active    int `json:"active"`
}

func (s *Server) handleConnect(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	principal := auth.PrincipalFrom(ctx)
	if principal == nil || principal.Customer == nil {
		sendError(ctx, rw, trace.AccessDenied("seat admission requires a customer license key"))
		return
	}

	var req connectRequest
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.MachineID == "" {
		sendError(ctx, rw, trace.BadParameter("missing machineId"))
		return
	}
	if !req.Role.Valid() {
		sendError(ctx, rw, trace.BadParameter("unknown role %q", req.Role))
		return
	}

	userID := hashedMachineID(req.MachineID)
	admission, err := s.conf.Seats.TryConnect(ctx, seats.ConnectRequest{
		CustomerID: principal.Customer.ID,
		UserID:     userID,
		Role:       req.Role,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		sendError(ctx, rw, err)
		return
	}

	s.recordUser(ctx, principal.Customer.ID, userID, req, clientIP(r), r.UserAgent())

	sendJSON(rw, http.StatusOK, connectResponse{
		ConnectionID: admission.ConnectionID,
		Role:         string(admission.Role),
		SeatLimit:    admission.SeatLimit.Stored(),
		Active:       admission.Active,
	})
}

type connectionRef struct {
	ConnectionID string `json:"connectionId"`
}

func (s *Server) handleHeartbeat(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req connectionRef
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.ConnectionID == "" {
		sendError(ctx, rw, trace.BadParameter("missing connectionId"))
		return
	}
	alive, err := s.conf.Seats.Heartbeat(ctx, req.ConnectionID)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]bool{"alive": alive})
}

func (s *Server) handleDisconnect(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req connectionRef
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.ConnectionID == "" {
		sendError(ctx, rw, trace.BadParameter("missing connectionId"))
		return
	}
	err := s.conf.Seats.Disconnect(ctx, req.ConnectionID)
	switch {
	case err == nil:
		sendJSON(rw, http.StatusOK, map[string]bool{"disconnected": true})
	case trace.IsNotFound(err):
		// Already gone, e.g. reaped or a double disconnect.
		sendJSON(rw, http.StatusOK, map[string]bool{"disconnected": false})
	default:
		sendError(ctx, rw, err)
	}
}

// ToolCall is a dispatch request forwarded to an external tool handler.
type ToolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDispatcher executes tool calls on behalf of an admitted connection.
// The server itself ships only the dispatch contract.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, principal *auth.Principal, call ToolCall) (json.RawMessage, error)
}

// NotImplementedDispatcher rejects every tool call. It stands in until a
// deployment plugs a real dispatcher.
type NotImplementedDispatcher struct{}

// Dispatch implements ToolDispatcher.
func (NotImplementedDispatcher) Dispatch(context.Context, *auth.Principal, ToolCall) (json.RawMessage, error) {
	return nil, trace.NotImplemented("no tool dispatcher is configured")
}

type toolCallRequest struct {
	ConnectionID string          `json:"connectionId"`
	Tool         string          `json:"tool"`
	Arguments    json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req toolCallRequest
	if err := readJSON(r, &req); err != nil {
		sendError(ctx, rw, err)
		return
	}
	if req.ConnectionID == "" || req.Tool == "" {
		sendError(ctx, rw, trace.BadParameter("missing connectionId or tool"))
		return
	}

	// A tool call doubles as a heartbeat; a reaped connection must
	// re-admit before calling again.
	alive, err := s.conf.Seats.Heartbeat(ctx, req.ConnectionID)
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	if !alive {
		sendError(ctx, rw, trace.NotFound("connection %v is no longer active", req.ConnectionID))
		return
	}

	result, err := s.conf.Tools.Dispatch(ctx, auth.PrincipalFrom(ctx), ToolCall{
		Tool:      req.Tool,
		Arguments: req.Arguments,
	})
	if err != nil {
		sendError(ctx, rw, err)
		return
	}
	sendJSON(rw, http.StatusOK, map[string]json.RawMessage{"result": result})
}

// hashedMachineID normalizes client machine ids: already-hashed 64-hex ids
// pass through, anything else is hashed here.
func hashedMachineID(machineID string) string {
	if hexHashRe.MatchString(machineID) {
		return machineID
	}
	return secrets.HashSHA256(machineID)
}

// recordUser upserts the principal's user row off the admission path.
func (s *Server) recordUser(ctx context.Context, customerID, userID string, req connectRequest, ip, userAgent string) {
	now := storage.TimeToMillis(s.conf.Clock.Now())
	user := &storage.User{
		ID:            uuid.NewString(),
		CustomerID:    sql.NullString{String: customerID, Valid: true},
		UserID:        userID,
		DisplayName:   sql.NullString{String: req.DisplayName, Valid: req.DisplayName != ""},
		Email:         sql.NullString{String: req.Email, Valid: req.Email != ""},
		Role:          req.Role,
		Status:        storage.StatusActive,
		FirstLoginAt:  now,
		LastLoginAt:   now,
		LastIP:        sql.NullString{String: ip, Valid: ip != ""},
		LastUserAgent: sql.NullString{String: userAgent, Valid: userAgent != ""},
	}
	if err := s.conf.Store.UpsertUser(ctx, user); err != nil {
		logger.Get(ctx).WithError(err).Warn("Failed to upsert user record")
	}
}

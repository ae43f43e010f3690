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

// Package seats enforces concurrent seat limits. Admission, disconnect and
// reaping all run inside one locking transaction per customer and recompute
// the live counters from the connection table instead of incrementing them,
// so the counters can drift only between a crash and the next write.
package seats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/snowflow/license-server/lib/license"
	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/storage"
)

const (
	// DefaultGraceWindow is how long after its last heartbeat a silent
	// connection still counts as "the same seat" for a reconnect.
	DefaultGraceWindow = 5 * time.Minute
	// DefaultStaleTimeout is how silent a connection must go before the
	// reaper deletes it. Keep it at least twice the client heartbeat
	// interval.
	DefaultStaleTimeout = 2 * time.Minute
)

// ErrCustomerInactive rejects connections from missing, suspended or
// churned customers.
var ErrCustomerInactive = errors.New("customer is not active")

// SeatLimitError reports a full seat pool. It carries the snapshots that
// also land in the audit trail.
type SeatLimitError struct {
	Role   storage.Role
	Limit  int
	Active int
}

func (e *SeatLimitError) Error() string {
	return fmt.Sprintf("no %s seats available: %d of %d in use", e.Role, e.Active, e.Limit)
}

// IsSeatLimitError unwraps through trace to the typed error.
func IsSeatLimitError(err error) (*SeatLimitError, bool) {
	var seatErr *SeatLimitError
	if errors.As(err, &seatErr) {
		return seatErr, true
	}
	return nil, false
}

// Config tunes the admission windows.
type Config struct {
	GraceWindow  time.Duration `toml:"grace_window"`
	StaleTimeout time.Duration `toml:"stale_timeout"`
}

// CheckAndSetDefaults fills in default windows.
func (c *Config) CheckAndSetDefaults() error {
	if c.GraceWindow == 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.GraceWindow < 0 || c.StaleTimeout < 0 {
		return trace.BadParameter("seat windows must be positive")
	}
	return nil
}

// ConnectRequest identifies the principal asking for a seat.
type ConnectRequest struct {
	CustomerID string
	// UserID is the hashed machine id, 64 hex characters.
	UserID    string
	Role      storage.Role
	IP        string
	UserAgent string
	JWTHash   string
}

// Admission is the successful outcome of TryConnect.
type Admission struct {
	ConnectionID string
	Role         storage.Role
	SeatLimit    license.SeatLimit
	Active       int
}

// Manager is the seat admission state machine.
type Manager struct {
	backend Backend
	clock   clockwork.Clock
	conf    Config
}

// NewManager creates a seat manager.
func NewManager(backend Backend, clock clockwork.Clock, conf Config) (*Manager, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{backend: backend, clock: clock, conf: conf}, nil
}

// TryConnect admits a principal into a seat, replacing any previous
// connection it held in the same role. Rejections return ErrCustomerInactive
// or *SeatLimitError and leave a rejected event in the audit trail.
func (m *Manager) TryConnect(ctx context.Context, req ConnectRequest) (*Admission, error) {
	if !req.Role.Valid() {
		return nil, trace.BadParameter("unknown role %q", req.Role)
	}
	now := m.clock.Now()
	nowMillis := storage.TimeToMillis(now)

	var admission *Admission
	var rejection *storage.ConnectionEvent

	txErr := m.backend.Transact(ctx, func(tx Tx) error {
		customer, err := tx.GetCustomerForUpdate(ctx, req.CustomerID)
		if err != nil {
			if trace.IsNotFound(err) {
				return trace.Wrap(ErrCustomerInactive, "customer %v not found", req.CustomerID)
			}
			return trace.Wrap(err)
		}
		if customer.Status != storage.StatusActive {
			// Not a capacity rejection, but the audit row still snapshots the
			// configured limit and the stored counter for the requested role.
			rejection = m.rejectedEvent(req, nowMillis, "customer status is "+customer.Status, &SeatLimitError{
				Role:   req.Role,
				Limit:  roleLimit(customer, req.Role).Stored(),
				Active: storedCount(customer, req.Role),
			})
			return trace.Wrap(ErrCustomerInactive, "customer %v status is %q", customer.ID, customer.Status)
		}

		limit := roleLimit(customer, req.Role)
		enforced := customer.SeatLimitsEnforced && req.Role != storage.RoleAdmin && !limit.IsUnlimited()

		dev, stake, err := tx.CountConnections(ctx, req.CustomerID)
		if err != nil {
			return trace.Wrap(err)
		}
		active := roleCount(dev, stake, req.Role)

		if enforced && !limit.Admits(active) && !m.withinGrace(ctx, tx, req, now) {
			seatErr := &SeatLimitError{Role: req.Role, Limit: limit.N(), Active: active}
			rejection = m.rejectedEvent(req, nowMillis, seatErr.Error(), seatErr)
			return trace.Wrap(seatErr)
		}

		// The unique key on (customer, user, role) makes this a replacement
		// when the principal already holds a seat.
		previous, err := tx.GetConnection(ctx, req.CustomerID, req.UserID, req.Role)
		if err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}

		conn := &storage.ActiveConnection{
			CustomerID:   req.CustomerID,
			UserID:       req.UserID,
			Role:         req.Role,
			ConnectionID: uuid.NewString(),
			IP:           nullString(req.IP),
			UserAgent:    nullString(req.UserAgent),
			JWTHash:      nullString(req.JWTHash),
			ConnectedAt:  nowMillis,
			LastSeen:     nowMillis,
		}
		if err := tx.UpsertConnection(ctx, conn); err != nil {
			return trace.Wrap(err)
		}

		dev, stake, err = tx.CountConnections(ctx, req.CustomerID)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := tx.UpdateSeatCounters(ctx, req.CustomerID, dev, stake, nowMillis); err != nil {
			return trace.Wrap(err)
		}

		if previous != nil && previous.ConnectionID != conn.ConnectionID {
			if err := tx.AppendConnectionEvent(ctx, m.event(req, storage.EventDisconnect, nowMillis)); err != nil {
				return trace.Wrap(err)
			}
		}
		if err := tx.AppendConnectionEvent(ctx, m.event(req, storage.EventConnect, nowMillis)); err != nil {
			return trace.Wrap(err)
		}

		admission = &Admission{
			ConnectionID: conn.ConnectionID,
			Role:         req.Role,
			SeatLimit:    limit,
			Active:       roleCount(dev, stake, req.Role),
		}
		return nil
	})

	if txErr != nil {
		// The admission transaction rolled back; record the rejection on its
		// own so the audit row survives.
		if rejection != nil {
			if err := m.backend.AppendConnectionEvent(ctx, rejection); err != nil {
				logger.Get(ctx).WithError(err).Warn("Failed to record rejected connection event")
			}
		}
		return nil, trace.Wrap(txErr)
	}
	return admission, nil
}

// Heartbeat refreshes a connection's liveness. Returns false when the row
// is gone and the client must re-admit.
func (m *Manager) Heartbeat(ctx context.Context, connectionID string) (bool, error) {
	err := m.backend.TouchConnection(ctx, connectionID, storage.TimeToMillis(m.clock.Now()))
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// Disconnect removes a connection gracefully and reconciles the counters.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	nowMillis := storage.TimeToMillis(m.clock.Now())
	return m.backend.Transact(ctx, func(tx Tx) error {
		conn, err := tx.GetConnectionByID(ctx, connectionID)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := tx.DeleteConnection(ctx, connectionID); err != nil {
			return trace.Wrap(err)
		}
		dev, stake, err := tx.CountConnections(ctx, conn.CustomerID)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := tx.UpdateSeatCounters(ctx, conn.CustomerID, dev, stake, nowMillis); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.AppendConnectionEvent(ctx, &storage.ConnectionEvent{
			CustomerID: conn.CustomerID,
			UserID:     conn.UserID,
			Role:       conn.Role,
			Event:      storage.EventDisconnect,
			Timestamp:  nowMillis,
			IP:         conn.IP,
		}))
	})
}

// ReapStale deletes every connection that went silent for longer than the
// stale timeout, audits a timeout event per row, and reconciles the
// counters of each affected customer. Only the reaper emits timeout events.
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	now := m.clock.Now()
	nowMillis := storage.TimeToMillis(now)
	cutoff := storage.TimeToMillis(now.Add(-m.conf.StaleTimeout))

	reaped := 0
	err := m.backend.Transact(ctx, func(tx Tx) error {
		stale, err := tx.ListStaleConnections(ctx, cutoff)
		if err != nil {
			return trace.Wrap(err)
		}

		customers := make(map[string]struct{})
		for i := range stale {
			conn := &stale[i]
			if err := tx.DeleteConnection(ctx, conn.ConnectionID); err != nil {
				return trace.Wrap(err)
			}
			if err := tx.AppendConnectionEvent(ctx, &storage.ConnectionEvent{
				CustomerID: conn.CustomerID,
				UserID:     conn.UserID,
				Role:       conn.Role,
				Event:      storage.EventTimeout,
				Timestamp:  nowMillis,
				IP:         conn.IP,
			}); err != nil {
				return trace.Wrap(err)
			}
			customers[conn.CustomerID] = struct{}{}
		}

		for customerID := range customers {
			dev, stake, err := tx.CountConnections(ctx, customerID)
			if err != nil {
				return trace.Wrap(err)
			}
			if err := tx.UpdateSeatCounters(ctx, customerID, dev, stake, nowMillis); err != nil {
				return trace.Wrap(err)
			}
		}

		reaped = len(stale)
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if reaped > 0 {
		logger.Get(ctx).WithField("connections", reaped).Info("Reaped stale connections")
	}
	return reaped, nil
}

// withinGrace reports whether the principal held any seat whose last
// heartbeat is at most the grace window old; the window edge is inclusive.
func (m *Manager) withinGrace(ctx context.Context, tx Tx, req ConnectRequest, now time.Time) bool {
	conns, err := tx.ListConnections(ctx, req.CustomerID)
	if err != nil {
		logger.Get(ctx).WithError(err).Warn("Failed to check the reconnect grace window")
		return false
	}
	for i := range conns {
		if conns[i].UserID != req.UserID {
			continue
		}
		if now.Sub(conns[i].LastSeen.Time()) <= m.conf.GraceWindow {
			return true
		}
	}
	return false
}

func (m *Manager) event(req ConnectRequest, event string, now storage.Millis) *storage.ConnectionEvent {
	return &storage.ConnectionEvent{
		CustomerID: req.CustomerID,
		UserID:     req.UserID,
		Role:       req.Role,
		Event:      event,
		Timestamp:  now,
		IP:         nullString(req.IP),
	}
}

func (m *Manager) rejectedEvent(req ConnectRequest, now storage.Millis, msg string, seatErr *SeatLimitError) *storage.ConnectionEvent {
	e := m.event(req, storage.EventRejected, now)
	e.Error = nullString(msg)
	if seatErr != nil {
		e.SeatLimit = nullInt(seatErr.Limit)
		e.ActiveCount = nullInt(seatErr.Active)
	}
	return e
}

func roleLimit(c *storage.Customer, role storage.Role) license.SeatLimit {
	switch role {
	case storage.RoleDeveloper:
		return license.FromStored(c.DeveloperSeats)
	case storage.RoleStakeholder:
		return license.FromStored(c.StakeholderSeats)
	default:
		return license.Unlimited()
	}
}

// storedCount reads the last reconciled per-role counter off the customer
// row, for audit snapshots taken before the live count is computed.
func storedCount(c *storage.Customer, role storage.Role) int {
	switch role {
	case storage.RoleDeveloper:
		return c.ActiveDeveloperSeats
	case storage.RoleStakeholder:
		return c.ActiveStakeholderSeats
	default:
		return 0
	}
}

func roleCount(dev, stake int, role storage.Role) int {
	switch role {
	case storage.RoleDeveloper:
		return dev
	case storage.RoleStakeholder:
		return stake
	default:
		return 0
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

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

package storage

import (
	"context"

	"github.com/gravitational/trace"
)

// UpsertUser inserts a principal or refreshes its login metadata when the
// (owner, user_id) pair already exists.
func (g queries) UpsertUser(ctx context.Context, u *User) error {
	_, err := g.exec(ctx, `
		INSERT INTO users
			(id, customer_id, service_integrator_id, user_id, raw_machine_id,
			 display_name, email, role, status, first_login_at, last_login_at,
			 last_ip, last_user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			display_name = VALUES(display_name),
			email = VALUES(email),
			role = VALUES(role),
			last_login_at = VALUES(last_login_at),
			last_ip = VALUES(last_ip),
			last_user_agent = VALUES(last_user_agent)`,
		u.ID, u.CustomerID, u.ServiceIntegratorID, u.UserID, u.RawMachineID,
		u.DisplayName, u.Email, u.Role, u.Status, u.FirstLoginAt, u.LastLoginAt,
		u.LastIP, u.LastUserAgent)
	return trace.Wrap(err)
}

// GetUserByMachineID fetches a customer's principal by its hashed machine id.
func (g queries) GetUserByMachineID(ctx context.Context, customerID, userID string) (*User, error) {
	var u User
	if err := g.get(ctx, &u, `
		SELECT * FROM users WHERE customer_id = ? AND user_id = ?`,
		customerID, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

// ListUsers returns all principals of one customer.
func (g queries) ListUsers(ctx context.Context, customerID string) ([]User, error) {
	var out []User
	if err := g.list(ctx, &out, `
		SELECT * FROM users WHERE customer_id = ? ORDER BY last_login_at DESC`,
		customerID); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// GetConnection fetches the live connection row for one principal/role, if
// any.
func (g queries) GetConnection(ctx context.Context, customerID, userID string, role Role) (*ActiveConnection, error) {
	var c ActiveConnection
	if err := g.get(ctx, &c, `
		SELECT * FROM active_connections
		WHERE customer_id = ? AND user_id = ? AND role = ?`,
		customerID, userID, role); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// GetConnectionByID fetches a connection by its client-supplied id.
func (g queries) GetConnectionByID(ctx context.Context, connectionID string) (*ActiveConnection, error) {
	var c ActiveConnection
	if err := g.get(ctx, &c, `
		SELECT * FROM active_connections WHERE connection_id = ?`,
		connectionID); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// ListConnections returns a customer's live connections, oldest first.
func (g queries) ListConnections(ctx context.Context, customerID string) ([]ActiveConnection, error) {
	var out []ActiveConnection
	if err := g.list(ctx, &out, `
		SELECT * FROM active_connections WHERE customer_id = ? ORDER BY connected_at`,
		customerID); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// UpsertConnection inserts a connection or atomically replaces the previous
// one held by the same (customer, user, role). Replacement never passes
// through a state where the principal holds zero or two seats.
func (g queries) UpsertConnection(ctx context.Context, c *ActiveConnection) error {
	_, err := g.exec(ctx, `
		INSERT INTO active_connections
			(customer_id, user_id, role, connection_id, ip, user_agent,
			 jwt_hash, connected_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			connection_id = VALUES(connection_id),
			ip = VALUES(ip),
			user_agent = VALUES(user_agent),
			jwt_hash = VALUES(jwt_hash),
			connected_at = VALUES(connected_at),
			last_seen = VALUES(last_seen)`,
		c.CustomerID, c.UserID, c.Role, c.ConnectionID, c.IP, c.UserAgent,
		c.JWTHash, c.ConnectedAt, c.LastSeen)
	return trace.Wrap(err)
}

// TouchConnection advances last_seen for a heartbeat. Returns NotFound when
// the connection no longer exists (reaped or replaced).
func (g queries) TouchConnection(ctx context.Context, connectionID string, now Millis) error {
	res, err := g.exec(ctx, `
		UPDATE active_connections SET last_seen = ? WHERE connection_id = ?`,
		now, connectionID)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "connection %v not found", connectionID)
}

// DeleteConnection removes one connection row by client-supplied id.
func (g queries) DeleteConnection(ctx context.Context, connectionID string) error {
	res, err := g.exec(ctx, `
		DELETE FROM active_connections WHERE connection_id = ?`, connectionID)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "connection %v not found", connectionID)
}

// ListStaleConnections returns every connection whose last_seen is strictly
// older than the cutoff, across all customers.
func (g queries) ListStaleConnections(ctx context.Context, cutoff Millis) ([]ActiveConnection, error) {
	var out []ActiveConnection
	if err := g.list(ctx, &out, `
		SELECT * FROM active_connections WHERE last_seen < ? ORDER BY customer_id`,
		cutoff); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// CountConnections recounts a customer's live seats per role straight from
// the table. Admission calls this inside the locking transaction instead of
// trusting incremental counters.
func (g queries) CountConnections(ctx context.Context, customerID string) (dev, stake int, err error) {
	rows := []struct {
		Role  Role `db:"role"`
		Count int  `db:"count"`
	}{}
	if err := g.list(ctx, &rows, `
		SELECT role, COUNT(*) AS count FROM active_connections
		WHERE customer_id = ? GROUP BY role`,
		customerID); err != nil {
		return 0, 0, trace.Wrap(err)
	}
	for _, r := range rows {
		switch r.Role {
		case RoleDeveloper:
			dev = r.Count
		case RoleStakeholder:
			stake = r.Count
		}
	}
	return dev, stake, nil
}

// AppendConnectionEvent writes one audit trail row.
func (g queries) AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	_, err := g.exec(ctx, `
		INSERT INTO connection_events
			(customer_id, user_id, role, event, timestamp, ip, error,
			 seat_limit, active_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CustomerID, e.UserID, e.Role, e.Event, e.Timestamp, e.IP, e.Error,
		e.SeatLimit, e.ActiveCount)
	return trace.Wrap(err)
}

// ListConnectionEvents returns a customer's newest events, capped at limit.
func (g queries) ListConnectionEvents(ctx context.Context, customerID string, limit int) ([]ConnectionEvent, error) {
	var out []ConnectionEvent
	if err := g.list(ctx, &out, `
		SELECT * FROM connection_events
		WHERE customer_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		customerID, limit); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// UpsertInstance registers or refreshes one server process row.
func (g queries) UpsertInstance(ctx context.Context, inst *Instance) error {
	_, err := g.exec(ctx, `
		INSERT INTO instances (instance_id, hostname, version, started_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			hostname = VALUES(hostname),
			version = VALUES(version),
			last_seen = VALUES(last_seen)`,
		inst.InstanceID, inst.Hostname, inst.Version, inst.StartedAt, inst.LastSeen)
	return trace.Wrap(err)
}

// DeleteStaleInstances drops instance rows that stopped heartbeating.
func (g queries) DeleteStaleInstances(ctx context.Context, cutoff Millis) (int64, error) {
	res, err := g.exec(ctx, `DELETE FROM instances WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}

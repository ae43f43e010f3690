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

package seats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/snowflow/license-server/lib/storage"
)

// fakeBackend is an in-memory Backend. Transactions apply directly; the
// admission paths under test never write before a rejection, so rollback
// fidelity is not needed here.
type fakeBackend struct {
	mu        sync.Mutex
	customers map[string]*storage.Customer
	conns     map[string]*storage.ActiveConnection // by connection id
	events    []storage.ConnectionEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		customers: make(map[string]*storage.Customer),
		conns:     make(map[string]*storage.ActiveConnection),
	}
}

func (b *fakeBackend) Transact(ctx context.Context, fn func(Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(b)
}

func (b *fakeBackend) GetCustomerForUpdate(ctx context.Context, id string) (*storage.Customer, error) {
	c, ok := b.customers[id]
	if !ok {
		return nil, trace.NotFound("customer %v not found", id)
	}
	copied := *c
	return &copied, nil
}

func (b *fakeBackend) GetConnection(ctx context.Context, customerID, userID string, role storage.Role) (*storage.ActiveConnection, error) {
	for _, c := range b.conns {
		if c.CustomerID == customerID && c.UserID == userID && c.Role == role {
			copied := *c
			return &copied, nil
		}
	}
	return nil, trace.NotFound("connection not found")
}

func (b *fakeBackend) GetConnectionByID(ctx context.Context, connectionID string) (*storage.ActiveConnection, error) {
	c, ok := b.conns[connectionID]
	if !ok {
		return nil, trace.NotFound("connection %v not found", connectionID)
	}
	copied := *c
	return &copied, nil
}

func (b *fakeBackend) ListConnections(ctx context.Context, customerID string) ([]storage.ActiveConnection, error) {
	var out []storage.ActiveConnection
	for _, c := range b.conns {
		if c.CustomerID == customerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (b *fakeBackend) ListStaleConnections(ctx context.Context, cutoff storage.Millis) ([]storage.ActiveConnection, error) {
	var out []storage.ActiveConnection
	for _, c := range b.conns {
		if c.LastSeen < cutoff {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (b *fakeBackend) UpsertConnection(ctx context.Context, conn *storage.ActiveConnection) error {
	for id, c := range b.conns {
		if c.CustomerID == conn.CustomerID && c.UserID == conn.UserID && c.Role == conn.Role {
			delete(b.conns, id)
		}
	}
	copied := *conn
	b.conns[conn.ConnectionID] = &copied
	return nil
}

func (b *fakeBackend) DeleteConnection(ctx context.Context, connectionID string) error {
	if _, ok := b.conns[connectionID]; !ok {
		return trace.NotFound("connection %v not found", connectionID)
	}
	delete(b.conns, connectionID)
	return nil
}

func (b *fakeBackend) CountConnections(ctx context.Context, customerID string) (dev, stake int, err error) {
	for _, c := range b.conns {
		if c.CustomerID != customerID {
			continue
		}
		switch c.Role {
		case storage.RoleDeveloper:
			dev++
		case storage.RoleStakeholder:
			stake++
		}
	}
	return dev, stake, nil
}

func (b *fakeBackend) UpdateSeatCounters(ctx context.Context, customerID string, dev, stake int, now storage.Millis) error {
	c, ok := b.customers[customerID]
	if !ok {
		return trace.NotFound("customer %v not found", customerID)
	}
	c.ActiveDeveloperSeats = dev
	c.ActiveStakeholderSeats = stake
	return nil
}

func (b *fakeBackend) AppendConnectionEvent(ctx context.Context, e *storage.ConnectionEvent) error {
	b.events = append(b.events, *e)
	return nil
}

func (b *fakeBackend) TouchConnection(ctx context.Context, connectionID string, now storage.Millis) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connectionID]
	if !ok {
		return trace.NotFound("connection %v not found", connectionID)
	}
	c.LastSeen = now
	return nil
}

func (b *fakeBackend) lastEvent(t *testing.T) storage.ConnectionEvent {
	t.Helper()
	require.NotEmpty(t, b.events)
	return b.events[len(b.events)-1]
}

func (b *fakeBackend) eventsOfType(event string) []storage.ConnectionEvent {
	var out []storage.ConnectionEvent
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

const (
	custID = "cust-1"
	userA  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	userB  = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	userC  = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

func setup(t *testing.T, devSeats, stakeSeats int, enforced bool) (*Manager, *fakeBackend, *clockwork.FakeClock) {
	t.Helper()
	backend := newFakeBackend()
	backend.customers[custID] = &storage.Customer{
		ID:                 custID,
		Name:               "Acme",
		DeveloperSeats:     devSeats,
		StakeholderSeats:   stakeSeats,
		SeatLimitsEnforced: enforced,
		Status:             storage.StatusActive,
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	manager, err := NewManager(backend, clock, Config{})
	require.NoError(t, err)
	return manager, backend, clock
}

func connect(t *testing.T, m *Manager, userID string, role storage.Role) *Admission {
	t.Helper()
	adm, err := m.TryConnect(context.Background(), ConnectRequest{
		CustomerID: custID,
		UserID:     userID,
		Role:       role,
		IP:         "192.0.2.10",
	})
	require.NoError(t, err)
	require.NotNil(t, adm)
	return adm
}

func TestSeatEnforcementHappyPath(t *testing.T) {
	t.Parallel()
	manager, backend, _ := setup(t, 2, 0, true)
	ctx := context.Background()

	adm := connect(t, manager, userA, storage.RoleDeveloper)
	require.Equal(t, 1, adm.Active)

	adm = connect(t, manager, userB, storage.RoleDeveloper)
	require.Equal(t, 2, adm.Active)

	_, err := manager.TryConnect(ctx, ConnectRequest{CustomerID: custID, UserID: userC, Role: storage.RoleDeveloper})
	require.Error(t, err)
	seatErr, ok := IsSeatLimitError(err)
	require.True(t, ok)
	require.Equal(t, 2, seatErr.Limit)
	require.Equal(t, 2, seatErr.Active)
	require.Equal(t, storage.RoleDeveloper, seatErr.Role)

	rejected := backend.lastEvent(t)
	require.Equal(t, storage.EventRejected, rejected.Event)
	require.True(t, rejected.SeatLimit.Valid)
	require.EqualValues(t, 2, rejected.SeatLimit.Int64)
	require.True(t, rejected.ActiveCount.Valid)
	require.EqualValues(t, 2, rejected.ActiveCount.Int64)

	require.Equal(t, 2, backend.customers[custID].ActiveDeveloperSeats)
}

func TestReconnectWithinGrace(t *testing.T) {
	t.Parallel()
	manager, backend, clock := setup(t, 2, 0, true)
	ctx := context.Background()

	first := connect(t, manager, userA, storage.RoleDeveloper)
	connect(t, manager, userB, storage.RoleDeveloper)

	// A goes silent for three minutes; the pool is still full but A's
	// reconnect rides the grace window and replaces its old row.
	clock.Advance(3 * time.Minute)
	again := connect(t, manager, userA, storage.RoleDeveloper)
	require.NotEqual(t, first.ConnectionID, again.ConnectionID)
	require.Equal(t, 2, again.Active)
	require.Equal(t, 2, backend.customers[custID].ActiveDeveloperSeats)

	// The replacement audited a disconnect for the old seat before the
	// connect for the new one.
	disconnects := backend.eventsOfType(storage.EventDisconnect)
	require.Len(t, disconnects, 1)
	require.Equal(t, userA, disconnects[0].UserID)

	// C is a different machine and gets no grace.
	_, err := manager.TryConnect(ctx, ConnectRequest{CustomerID: custID, UserID: userC, Role: storage.RoleDeveloper})
	require.Error(t, err)
	_, ok := IsSeatLimitError(err)
	require.True(t, ok)
}

func TestGraceWindowEdgeIsInclusive(t *testing.T) {
	t.Parallel()
	manager, _, clock := setup(t, 1, 0, true)
	ctx := context.Background()

	connect(t, manager, userA, storage.RoleDeveloper)

	// Exactly at the window edge: admitted.
	clock.Advance(DefaultGraceWindow)
	connect(t, manager, userA, storage.RoleDeveloper)

	// One millisecond past the edge: rejected.
	clock.Advance(DefaultGraceWindow + time.Millisecond)
	_, err := manager.TryConnect(ctx, ConnectRequest{CustomerID: custID, UserID: userA, Role: storage.RoleDeveloper})
	require.Error(t, err)
	_, ok := IsSeatLimitError(err)
	require.True(t, ok)
}

func TestReaper(t *testing.T) {
	t.Parallel()
	manager, backend, clock := setup(t, 2, 0, true)
	ctx := context.Background()

	connect(t, manager, userA, storage.RoleDeveloper)
	admB := connect(t, manager, userB, storage.RoleDeveloper)

	// B keeps heartbeating, A goes silent.
	clock.Advance(90 * time.Second)
	alive, err := manager.Heartbeat(ctx, admB.ConnectionID)
	require.NoError(t, err)
	require.True(t, alive)

	clock.Advance(40 * time.Second)
	reaped, err := manager.ReapStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)
	require.Equal(t, 1, backend.customers[custID].ActiveDeveloperSeats)

	timeouts := backend.eventsOfType(storage.EventTimeout)
	require.Len(t, timeouts, 1)
	require.Equal(t, userA, timeouts[0].UserID)
	// The reaper never audits disconnects.
	require.Empty(t, backend.eventsOfType(storage.EventDisconnect))

	// The freed seat admits C.
	adm := connect(t, manager, userC, storage.RoleDeveloper)
	require.Equal(t, 2, adm.Active)

	// A's old connection is gone; its heartbeat asks for re-admission.
	alive, err = manager.Heartbeat(ctx, "no-such-connection")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestReaperCutoffIsStrict(t *testing.T) {
	t.Parallel()
	manager, _, clock := setup(t, 2, 0, true)
	ctx := context.Background()

	connect(t, manager, userA, storage.RoleDeveloper)

	// last_seen == cutoff exactly: not stale yet.
	clock.Advance(DefaultStaleTimeout)
	reaped, err := manager.ReapStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, reaped)

	clock.Advance(time.Millisecond)
	reaped, err = manager.ReapStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)
}

func TestUnlimitedSeatsStillCounted(t *testing.T) {
	t.Parallel()
	manager, backend, _ := setup(t, -1, 0, true)

	for _, user := range []string{userA, userB, userC} {
		connect(t, manager, user, storage.RoleDeveloper)
	}
	require.Equal(t, 3, backend.customers[custID].ActiveDeveloperSeats)
}

func TestZeroSeatsRejectEveryone(t *testing.T) {
	t.Parallel()
	manager, _, _ := setup(t, 2, 0, true)
	ctx := context.Background()

	_, err := manager.TryConnect(ctx, ConnectRequest{CustomerID: custID, UserID: userA, Role: storage.RoleStakeholder})
	require.Error(t, err)
	seatErr, ok := IsSeatLimitError(err)
	require.True(t, ok)
	require.Equal(t, 0, seatErr.Limit)
}

func TestEnforcementOffAdmitsBeyondLimit(t *testing.T) {
	t.Parallel()
	manager, backend, _ := setup(t, 1, 0, false)

	connect(t, manager, userA, storage.RoleDeveloper)
	connect(t, manager, userB, storage.RoleDeveloper)
	require.Equal(t, 2, backend.customers[custID].ActiveDeveloperSeats)
}

func TestAdminRoleBypassesLimits(t *testing.T) {
	t.Parallel()
	manager, _, _ := setup(t, 0, 0, true)

	adm := connect(t, manager, userA, storage.RoleAdmin)
	require.Equal(t, storage.RoleAdmin, adm.Role)
}

func TestInactiveCustomerRejected(t *testing.T) {
	t.Parallel()
	manager, backend, _ := setup(t, 2, 0, true)
	ctx := context.Background()

	backend.customers[custID].Status = storage.StatusSuspended
	_, err := manager.TryConnect(ctx, ConnectRequest{CustomerID: custID, UserID: userA, Role: storage.RoleDeveloper})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCustomerInactive))

	// Even a status rejection snapshots the configured limit and the last
	// reconciled counter for the requested role.
	rejected := backend.lastEvent(t)
	require.Equal(t, storage.EventRejected, rejected.Event)
	require.True(t, rejected.SeatLimit.Valid)
	require.EqualValues(t, 2, rejected.SeatLimit.Int64)
	require.True(t, rejected.ActiveCount.Valid)
	require.EqualValues(t, 0, rejected.ActiveCount.Int64)

	_, err = manager.TryConnect(ctx, ConnectRequest{CustomerID: "missing", UserID: userA, Role: storage.RoleDeveloper})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCustomerInactive))
}

func TestGracefulDisconnect(t *testing.T) {
	t.Parallel()
	manager, backend, _ := setup(t, 2, 0, true)
	ctx := context.Background()

	adm := connect(t, manager, userA, storage.RoleDeveloper)
	require.NoError(t, manager.Disconnect(ctx, adm.ConnectionID))
	require.Equal(t, 0, backend.customers[custID].ActiveDeveloperSeats)
	require.Equal(t, storage.EventDisconnect, backend.lastEvent(t).Event)

	err := manager.Disconnect(ctx, adm.ConnectionID)
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}

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

	"github.com/snowflow/license-server/lib/storage"
)

// Tx is the slice of the storage transaction the seat manager needs.
// *storage.Tx satisfies it.
type Tx interface {
	GetCustomerForUpdate(ctx context.Context, id string) (*storage.Customer, error)
	GetConnection(ctx context.Context, customerID, userID string, role storage.Role) (*storage.ActiveConnection, error)
	GetConnectionByID(ctx context.Context, connectionID string) (*storage.ActiveConnection, error)
	ListConnections(ctx context.Context, customerID string) ([]storage.ActiveConnection, error)
	ListStaleConnections(ctx context.Context, cutoff storage.Millis) ([]storage.ActiveConnection, error)
	UpsertConnection(ctx context.Context, c *storage.ActiveConnection) error
	DeleteConnection(ctx context.Context, connectionID string) error
	CountConnections(ctx context.Context, customerID string) (dev, stake int, err error)
	UpdateSeatCounters(ctx context.Context, customerID string, dev, stake int, now storage.Millis) error
	AppendConnectionEvent(ctx context.Context, e *storage.ConnectionEvent) error
}

// Backend is the seat manager's view of the database.
type Backend interface {
	Transact(ctx context.Context, fn func(Tx) error) error
	TouchConnection(ctx context.Context, connectionID string, now storage.Millis) error
	AppendConnectionEvent(ctx context.Context, e *storage.ConnectionEvent) error
}

type storeBackend struct {
	db *storage.DB
}

// NewBackend adapts the storage layer to the Backend interface.
func NewBackend(db *storage.DB) Backend {
	return storeBackend{db: db}
}

func (b storeBackend) Transact(ctx context.Context, fn func(Tx) error) error {
	return b.db.Transact(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}

func (b storeBackend) TouchConnection(ctx context.Context, connectionID string, now storage.Millis) error {
	return b.db.TouchConnection(ctx, connectionID, now)
}

func (b storeBackend) AppendConnectionEvent(ctx context.Context, e *storage.ConnectionEvent) error {
	return b.db.AppendConnectionEvent(ctx, e)
}

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

// CreateServiceIntegrator inserts a new integrator row.
func (g queries) CreateServiceIntegrator(ctx context.Context, si *ServiceIntegrator) error {
	_, err := g.exec(ctx, `
		INSERT INTO service_integrators
			(id, company_name, contact_email, billing_email, master_license_key,
			 white_label_config, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		si.ID, si.CompanyName, si.ContactEmail, si.BillingEmail, si.MasterLicenseKey,
		si.WhiteLabelConfig, si.Status, si.CreatedAt, si.UpdatedAt)
	return trace.Wrap(err)
}

// GetServiceIntegrator fetches one integrator by id.
func (g queries) GetServiceIntegrator(ctx context.Context, id string) (*ServiceIntegrator, error) {
	var si ServiceIntegrator
	if err := g.get(ctx, &si, `SELECT * FROM service_integrators WHERE id = ?`, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return &si, nil
}

// GetServiceIntegratorByMasterKey resolves a SNOW-SI key to its integrator.
func (g queries) GetServiceIntegratorByMasterKey(ctx context.Context, key string) (*ServiceIntegrator, error) {
	var si ServiceIntegrator
	if err := g.get(ctx, &si, `SELECT * FROM service_integrators WHERE master_license_key = ?`, key); err != nil {
		return nil, trace.Wrap(err)
	}
	return &si, nil
}

// ListServiceIntegrators returns all integrators ordered by creation time.
func (g queries) ListServiceIntegrators(ctx context.Context) ([]ServiceIntegrator, error) {
	var out []ServiceIntegrator
	if err := g.list(ctx, &out, `SELECT * FROM service_integrators ORDER BY created_at`); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// UpdateServiceIntegrator updates the mutable fields of an integrator.
func (g queries) UpdateServiceIntegrator(ctx context.Context, si *ServiceIntegrator) error {
	res, err := g.exec(ctx, `
		UPDATE service_integrators SET
			company_name = ?, contact_email = ?, billing_email = ?,
			white_label_config = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		si.CompanyName, si.ContactEmail, si.BillingEmail,
		si.WhiteLabelConfig, si.Status, si.UpdatedAt, si.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "service integrator %v not found", si.ID)
}

// DeleteServiceIntegrator removes an integrator; customers, themes and
// dependent rows cascade.
func (g queries) DeleteServiceIntegrator(ctx context.Context, id string) error {
	res, err := g.exec(ctx, `DELETE FROM service_integrators WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "service integrator %v not found", id)
}

// CreateCustomer inserts a new customer row.
func (g queries) CreateCustomer(ctx context.Context, c *Customer) error {
	_, err := g.exec(ctx, `
		INSERT INTO customers
			(id, service_integrator_id, name, contact_email, license_key, theme_key,
			 developer_seats, stakeholder_seats, active_developer_seats,
			 active_stakeholder_seats, seat_limits_enforced, status,
			 api_call_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ServiceIntegratorID, c.Name, c.ContactEmail, c.LicenseKey, c.ThemeKey,
		c.DeveloperSeats, c.StakeholderSeats, c.ActiveDeveloperSeats,
		c.ActiveStakeholderSeats, c.SeatLimitsEnforced, c.Status,
		c.APICallCount, c.CreatedAt, c.UpdatedAt)
	return trace.Wrap(err)
}

// GetCustomer fetches one customer by id.
func (g queries) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	if err := g.get(ctx, &c, `SELECT * FROM customers WHERE id = ?`, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// GetCustomerByLicenseKey resolves a license key to its customer. This is
// the auth hot path; license_key carries a unique index.
func (g queries) GetCustomerByLicenseKey(ctx context.Context, key string) (*Customer, error) {
	var c Customer
	if err := g.get(ctx, &c, `SELECT * FROM customers WHERE license_key = ?`, key); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// GetCustomerForUpdate locks the customer row for the duration of the
// enclosing transaction. Seat admission serializes on this lock.
func (t *Tx) GetCustomerForUpdate(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	if err := t.get(ctx, &c, `SELECT * FROM customers WHERE id = ? FOR UPDATE`, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// ListCustomers returns the customers of one integrator, or all customers
// when siID is empty.
func (g queries) ListCustomers(ctx context.Context, siID string) ([]Customer, error) {
	var out []Customer
	var err error
	if siID == "" {
		err = g.list(ctx, &out, `SELECT * FROM customers ORDER BY created_at`)
	} else {
		err = g.list(ctx, &out, `SELECT * FROM customers WHERE service_integrator_id = ? ORDER BY created_at`, siID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// UpdateCustomer updates the mutable fields of a customer. Seat counters
// are excluded; they change only through UpdateSeatCounters.
func (g queries) UpdateCustomer(ctx context.Context, c *Customer) error {
	res, err := g.exec(ctx, `
		UPDATE customers SET
			name = ?, contact_email = ?, license_key = ?, theme_key = ?,
			developer_seats = ?, stakeholder_seats = ?, seat_limits_enforced = ?,
			status = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.ContactEmail, c.LicenseKey, c.ThemeKey,
		c.DeveloperSeats, c.StakeholderSeats, c.SeatLimitsEnforced,
		c.Status, c.UpdatedAt, c.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "customer %v not found", c.ID)
}

// DeleteCustomer removes a customer; connections, users, sessions and SSO
// config cascade.
func (g queries) DeleteCustomer(ctx context.Context, id string) error {
	res, err := g.exec(ctx, `DELETE FROM customers WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	return requireRow(res, "customer %v not found", id)
}

// UpdateSeatCounters writes recomputed live seat counts.
func (g queries) UpdateSeatCounters(ctx context.Context, customerID string, dev, stake int, now Millis) error {
	_, err := g.exec(ctx, `
		UPDATE customers SET
			active_developer_seats = ?, active_stakeholder_seats = ?, updated_at = ?
		WHERE id = ?`,
		dev, stake, now, customerID)
	return trace.Wrap(err)
}

// BumpAPICallCount increments the rolling API call counter. Fire and
// forget; callers log failures but never fail the request over it.
func (g queries) BumpAPICallCount(ctx context.Context, customerID string) error {
	_, err := g.exec(ctx, `UPDATE customers SET api_call_count = api_call_count + 1 WHERE id = ?`, customerID)
	return trace.Wrap(err)
}

func requireRow(res interface{ RowsAffected() (int64, error) }, msg string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound(msg, args...)
	}
	return nil
}

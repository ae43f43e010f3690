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
	"database/sql"
	"time"
)

// Millis is a timestamp in integer milliseconds since the Unix epoch, the
// only time representation that crosses the storage boundary.
type Millis int64

// TimeToMillis converts a time.Time, mapping the zero time to 0.
func TimeToMillis(t time.Time) Millis {
	if t.IsZero() {
		return 0
	}
	return Millis(t.UnixMilli())
}

// Time converts back to time.Time; 0 maps to the zero time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (m Millis) IsZero() bool { return m == 0 }

// Role is a principal role occupying (or not occupying) a seat.
type Role string

const (
	RoleDeveloper   Role = "developer"
	RoleStakeholder Role = "stakeholder"
	RoleAdmin       Role = "admin"
)

// Valid reports whether the role is one of the three known values.
func (r Role) Valid() bool {
	return r == RoleDeveloper || r == RoleStakeholder || r == RoleAdmin
}

// Status values shared by tenants and users.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusChurned   = "churned"
)

// OwnerKind discriminates credential and user ownership between an
// end-customer and a service integrator.
type OwnerKind string

const (
	OwnerCustomer   OwnerKind = "customer"
	OwnerIntegrator OwnerKind = "si"
)

// ServiceIntegrator is a reseller/partner tenant root. Deleting one
// cascades to its customers, themes and credentials.
type ServiceIntegrator struct {
	ID           string         `db:"id"`
	CompanyName  string         `db:"company_name"`
	ContactEmail string         `db:"contact_email"`
	BillingEmail sql.NullString `db:"billing_email"`
	// MasterLicenseKey matches SNOW-SI-XXXX and is globally unique.
	MasterLicenseKey string         `db:"master_license_key"`
	WhiteLabelConfig sql.NullString `db:"white_label_config"`
	Status           string         `db:"status"`
	CreatedAt        Millis         `db:"created_at"`
	UpdatedAt        Millis         `db:"updated_at"`
}

// Customer is an end-customer organization under a service integrator.
//
// Seat totals use the storage convention: -1 means unlimited (legacy keys).
// The live counters are recomputed from active_connections inside the same
// transaction as any admission change; they are never incremented blindly.
type Customer struct {
	ID                     string         `db:"id"`
	ServiceIntegratorID    string         `db:"service_integrator_id"`
	Name                   string         `db:"name"`
	ContactEmail           string         `db:"contact_email"`
	LicenseKey             string         `db:"license_key"`
	ThemeKey               sql.NullString `db:"theme_key"`
	DeveloperSeats         int            `db:"developer_seats"`
	StakeholderSeats       int            `db:"stakeholder_seats"`
	ActiveDeveloperSeats   int            `db:"active_developer_seats"`
	ActiveStakeholderSeats int            `db:"active_stakeholder_seats"`
	SeatLimitsEnforced     bool           `db:"seat_limits_enforced"`
	Status                 string         `db:"status"`
	APICallCount           int64          `db:"api_call_count"`
	CreatedAt              Millis         `db:"created_at"`
	UpdatedAt              Millis         `db:"updated_at"`
}

// User is a person or machine principal bound to exactly one of a customer
// or a service integrator. UserID is the 64-hex SHA-256 of the client
// machine id; (owner, user_id) is unique.
type User struct {
	ID                  string         `db:"id"`
	CustomerID          sql.NullString `db:"customer_id"`
	ServiceIntegratorID sql.NullString `db:"service_integrator_id"`
	UserID              string         `db:"user_id"`
	RawMachineID        sql.NullString `db:"raw_machine_id"`
	DisplayName         sql.NullString `db:"display_name"`
	Email               sql.NullString `db:"email"`
	Role                Role           `db:"role"`
	Status              string         `db:"status"`
	FirstLoginAt        Millis         `db:"first_login_at"`
	LastLoginAt         Millis         `db:"last_login_at"`
	LastIP              sql.NullString `db:"last_ip"`
	LastUserAgent       sql.NullString `db:"last_user_agent"`
}

// ActiveConnection is one live client channel. (customer_id, user_id, role)
// is unique: a reconnect atomically replaces the previous row.
type ActiveConnection struct {
	ID           int64          `db:"id"`
	CustomerID   string         `db:"customer_id"`
	UserID       string         `db:"user_id"`
	Role         Role           `db:"role"`
	ConnectionID string         `db:"connection_id"`
	IP           sql.NullString `db:"ip"`
	UserAgent    sql.NullString `db:"user_agent"`
	JWTHash      sql.NullString `db:"jwt_hash"`
	ConnectedAt  Millis         `db:"connected_at"`
	LastSeen     Millis         `db:"last_seen"`
}

// Connection event types. Only the reaper emits EventTimeout.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventHeartbeat  = "heartbeat"
	EventTimeout    = "timeout"
	EventRejected   = "rejected"
)

// ConnectionEvent is one row of the append-only seat audit trail.
// SeatLimit and ActiveCount are snapshots taken at event time and are
// always present on rejected events.
type ConnectionEvent struct {
	ID          int64          `db:"id"`
	CustomerID  string         `db:"customer_id"`
	UserID      string         `db:"user_id"`
	Role        Role           `db:"role"`
	Event       string         `db:"event"`
	Timestamp   Millis         `db:"timestamp"`
	IP          sql.NullString `db:"ip"`
	Error       sql.NullString `db:"error"`
	SeatLimit   sql.NullInt64  `db:"seat_limit"`
	ActiveCount sql.NullInt64  `db:"active_count"`
}

// Credential types.
const (
	CredentialOAuth2   = "oauth2"
	CredentialAPIToken = "api_token"
	CredentialBasic    = "basic_auth"
	CredentialPAT      = "pat"
)

// Credential is a third-party service credential owned by a customer or a
// service integrator; (owner_kind, owner_id, service_type) is unique.
// The four secret columns hold hex-joined cipher blobs (3-segment local or
// 4-segment KMS envelope) and are opaque to the database.
type Credential struct {
	ID          string    `db:"id"`
	OwnerKind   OwnerKind `db:"owner_kind"`
	OwnerID     string    `db:"owner_id"`
	ServiceType string    `db:"service_type"`
	Type        string    `db:"credential_type"`

	AccessToken  sql.NullString `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	APIToken     sql.NullString `db:"api_token"`
	Password     sql.NullString `db:"password"`

	BaseURL   sql.NullString `db:"base_url"`
	Username  sql.NullString `db:"username"`
	ClientID  sql.NullString `db:"client_id"`
	Scope     sql.NullString `db:"scope"`
	TokenType sql.NullString `db:"token_type"`
	ExpiresAt Millis         `db:"expires_at"`

	Enabled        bool           `db:"enabled"`
	LastTestStatus sql.NullString `db:"last_test_status"`
	LastTestError  sql.NullString `db:"last_test_error"`
	LastTestedAt   Millis         `db:"last_tested_at"`
	LastUsedAt     Millis         `db:"last_used_at"`
	LastRefreshed  Millis         `db:"last_refreshed_at"`
	CreatedAt      Millis         `db:"created_at"`
	UpdatedAt      Millis         `db:"updated_at"`
}

// Credential audit actions.
const (
	AuditCreated   = "created"
	AuditUpdated   = "updated"
	AuditAccessed  = "accessed"
	AuditDeleted   = "deleted"
	AuditTested    = "tested"
	AuditRefreshed = "refreshed"
)

// CredentialAudit is the append-only per-credential access log. It is not
// foreign-keyed to credentials so the trail outlives a deleted record.
type CredentialAudit struct {
	ID           int64          `db:"id"`
	CredentialID string         `db:"credential_id"`
	Action       string         `db:"action"`
	Success      bool           `db:"success"`
	Error        sql.NullString `db:"error"`
	Actor        sql.NullString `db:"actor"`
	Timestamp    Millis         `db:"timestamp"`
}

// SsoConfig is the per-customer SAML provider configuration.
type SsoConfig struct {
	CustomerID       string         `db:"customer_id"`
	EntryPoint       string         `db:"entry_point"`
	Issuer           string         `db:"issuer"`
	IdpCert          string         `db:"idp_cert"`
	CallbackURL      string         `db:"callback_url"`
	LogoutURL        sql.NullString `db:"logout_url"`
	NameIDFormat     sql.NullString `db:"name_id_format"`
	SignRequests     bool           `db:"sign_requests"`
	AttributeMapping sql.NullString `db:"attribute_mapping"`
	Enabled          bool           `db:"enabled"`
	CreatedAt        Millis         `db:"created_at"`
	UpdatedAt        Millis         `db:"updated_at"`
}

// SsoSession is one logged-in admin. TokenHash is the SHA-256 of the issued
// JWT; the raw token never hits the database.
type SsoSession struct {
	ID           string         `db:"id"`
	CustomerID   string         `db:"customer_id"`
	UserID       string         `db:"user_id"`
	Email        sql.NullString `db:"email"`
	DisplayName  sql.NullString `db:"display_name"`
	TokenHash    string         `db:"token_hash"`
	NameID       string         `db:"name_id"`
	SessionIndex sql.NullString `db:"session_index"`
	IP           sql.NullString `db:"ip"`
	UserAgent    sql.NullString `db:"user_agent"`
	CreatedAt    Millis         `db:"created_at"`
	ExpiresAt    Millis         `db:"expires_at"`
	LastActivity Millis         `db:"last_activity"`
}

// Theme is a per-SI white-label theme; not on the hot path.
type Theme struct {
	ID                  string         `db:"id"`
	ServiceIntegratorID string         `db:"service_integrator_id"`
	ThemeKey            string         `db:"theme_key"`
	DisplayName         string         `db:"display_name"`
	PrimaryColor        sql.NullString `db:"primary_color"`
	SecondaryColor      sql.NullString `db:"secondary_color"`
	Config              sql.NullString `db:"config"`
	Active              bool           `db:"active"`
	IsDefault           bool           `db:"is_default"`
	CreatedAt           Millis         `db:"created_at"`
	UpdatedAt           Millis         `db:"updated_at"`
}

// Instance is one running server process, upserted by the instance
// heartbeat job with the same ON DUPLICATE KEY primitive connections use.
type Instance struct {
	InstanceID string `db:"instance_id"`
	Hostname   string `db:"hostname"`
	Version    string `db:"version"`
	StartedAt  Millis `db:"started_at"`
	LastSeen   Millis `db:"last_seen"`
}

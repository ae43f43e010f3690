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

	"github.com/snowflow/license-server/lib/logger"
)

// All timestamps are BIGINT milliseconds since the epoch; 0 means unset.
// Seat totals of -1 mean unlimited.
const schema = `
CREATE TABLE IF NOT EXISTS service_integrators (
    id                 VARCHAR(36)  NOT NULL PRIMARY KEY,
    company_name       VARCHAR(255) NOT NULL,
    contact_email      VARCHAR(255) NOT NULL,
    billing_email      VARCHAR(255),
    master_license_key VARCHAR(64)  NOT NULL,
    white_label_config TEXT,
    status             VARCHAR(16)  NOT NULL DEFAULT 'active',
    created_at         BIGINT       NOT NULL,
    updated_at         BIGINT       NOT NULL,
    UNIQUE KEY uniq_si_master_key (master_license_key)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS customers (
    id                       VARCHAR(36)  NOT NULL PRIMARY KEY,
    service_integrator_id    VARCHAR(36)  NOT NULL,
    name                     VARCHAR(255) NOT NULL,
    contact_email            VARCHAR(255) NOT NULL,
    license_key              VARCHAR(128) NOT NULL,
    theme_key                VARCHAR(64),
    developer_seats          INT          NOT NULL DEFAULT 0,
    stakeholder_seats        INT          NOT NULL DEFAULT 0,
    active_developer_seats   INT          NOT NULL DEFAULT 0,
    active_stakeholder_seats INT          NOT NULL DEFAULT 0,
    seat_limits_enforced     TINYINT(1)   NOT NULL DEFAULT 1,
    status                   VARCHAR(16)  NOT NULL DEFAULT 'active',
    api_call_count           BIGINT       NOT NULL DEFAULT 0,
    created_at               BIGINT       NOT NULL,
    updated_at               BIGINT       NOT NULL,
    UNIQUE KEY uniq_customer_license_key (license_key),
    KEY idx_customer_si (service_integrator_id),
    CONSTRAINT fk_customer_si FOREIGN KEY (service_integrator_id)
        REFERENCES service_integrators (id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS users (
    id                    VARCHAR(36)  NOT NULL PRIMARY KEY,
    customer_id           VARCHAR(36),
    service_integrator_id VARCHAR(36),
    user_id               CHAR(64)     NOT NULL,
    raw_machine_id        VARCHAR(255),
    display_name          VARCHAR(255),
    email                 VARCHAR(255),
    role                  VARCHAR(16)  NOT NULL,
    status                VARCHAR(16)  NOT NULL DEFAULT 'active',
    first_login_at        BIGINT       NOT NULL DEFAULT 0,
    last_login_at         BIGINT       NOT NULL DEFAULT 0,
    last_ip               VARCHAR(64),
    last_user_agent       VARCHAR(512),
    UNIQUE KEY uniq_user_customer (customer_id, user_id),
    UNIQUE KEY uniq_user_si (service_integrator_id, user_id),
    CONSTRAINT fk_user_customer FOREIGN KEY (customer_id)
        REFERENCES customers (id) ON DELETE CASCADE,
    CONSTRAINT fk_user_si FOREIGN KEY (service_integrator_id)
        REFERENCES service_integrators (id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS active_connections (
    id            BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
    customer_id   VARCHAR(36)  NOT NULL,
    user_id       CHAR(64)     NOT NULL,
    role          VARCHAR(16)  NOT NULL,
    connection_id VARCHAR(64)  NOT NULL,
    ip            VARCHAR(64),
    user_agent    VARCHAR(512),
    jwt_hash      CHAR(64),
    connected_at  BIGINT       NOT NULL,
    last_seen     BIGINT       NOT NULL,
    UNIQUE KEY uniq_conn_principal (customer_id, user_id, role),
    KEY idx_conn_last_seen (last_seen),
    CONSTRAINT fk_conn_customer FOREIGN KEY (customer_id)
        REFERENCES customers (id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS connection_events (
    id           BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
    customer_id  VARCHAR(36)  NOT NULL,
    user_id      CHAR(64)     NOT NULL,
    role         VARCHAR(16)  NOT NULL,
    event        VARCHAR(16)  NOT NULL,
    timestamp    BIGINT       NOT NULL,
    ip           VARCHAR(64),
    error        VARCHAR(512),
    seat_limit   INT,
    active_count INT,
    KEY idx_event_customer_ts (customer_id, timestamp)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS credentials (
    id                VARCHAR(36)  NOT NULL PRIMARY KEY,
    owner_kind        VARCHAR(16)  NOT NULL,
    owner_id          VARCHAR(36)  NOT NULL,
    service_type      VARCHAR(32)  NOT NULL,
    credential_type   VARCHAR(16)  NOT NULL,
    access_token      TEXT,
    refresh_token     TEXT,
    api_token         TEXT,
    password          TEXT,
    base_url          VARCHAR(512),
    username          VARCHAR(255),
    client_id         VARCHAR(255),
    scope             VARCHAR(512),
    token_type        VARCHAR(32),
    expires_at        BIGINT       NOT NULL DEFAULT 0,
    enabled           TINYINT(1)   NOT NULL DEFAULT 1,
    last_test_status  VARCHAR(16),
    last_test_error   VARCHAR(512),
    last_tested_at    BIGINT       NOT NULL DEFAULT 0,
    last_used_at      BIGINT       NOT NULL DEFAULT 0,
    last_refreshed_at BIGINT       NOT NULL DEFAULT 0,
    created_at        BIGINT       NOT NULL,
    updated_at        BIGINT       NOT NULL,
    UNIQUE KEY uniq_cred_owner_service (owner_kind, owner_id, service_type),
    KEY idx_cred_expires (credential_type, enabled, expires_at)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS credential_audit (
    id            BIGINT      NOT NULL AUTO_INCREMENT PRIMARY KEY,
    credential_id VARCHAR(36) NOT NULL,
    action        VARCHAR(16) NOT NULL,
    success       TINYINT(1)  NOT NULL,
    error         VARCHAR(512),
    actor         VARCHAR(255),
    timestamp     BIGINT      NOT NULL,
    KEY idx_audit_credential (credential_id, timestamp)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS sso_configs (
    customer_id       VARCHAR(36)  NOT NULL PRIMARY KEY,
    entry_point       VARCHAR(512) NOT NULL,
    issuer            VARCHAR(255) NOT NULL,
    idp_cert          TEXT         NOT NULL,
    callback_url      VARCHAR(512) NOT NULL,
    logout_url        VARCHAR(512),
    name_id_format    VARCHAR(255),
    sign_requests     TINYINT(1)   NOT NULL DEFAULT 0,
    attribute_mapping TEXT,
    enabled           TINYINT(1)   NOT NULL DEFAULT 1,
    created_at        BIGINT       NOT NULL,
    updated_at        BIGINT       NOT NULL,
    CONSTRAINT fk_sso_customer FOREIGN KEY (customer_id)
        REFERENCES customers (id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS sso_sessions (
    id            VARCHAR(36)  NOT NULL PRIMARY KEY,
    customer_id   VARCHAR(36)  NOT NULL,
    user_id       VARCHAR(255) NOT NULL,
    email         VARCHAR(255),
    display_name  VARCHAR(255),
    token_hash    CHAR(64)     NOT NULL,
    name_id       VARCHAR(255) NOT NULL,
    session_index VARCHAR(255),
    ip            VARCHAR(64),
    user_agent    VARCHAR(512),
    created_at    BIGINT       NOT NULL,
    expires_at    BIGINT       NOT NULL,
    last_activity BIGINT       NOT NULL,
    UNIQUE KEY uniq_session_token (token_hash),
    KEY idx_session_expiry (expires_at),
    CONSTRAINT fk_session_customer FOREIGN KEY (customer_id)
        REFERENCES customers (id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS themes (
    id                    VARCHAR(36)  NOT NULL PRIMARY KEY,
    service_integrator_id VARCHAR(36)  NOT NULL,
    theme_key             VARCHAR(64)  NOT NULL,
    display_name          VARCHAR(255) NOT NULL,
    primary_color         VARCHAR(16),
    secondary_color       VARCHAR(16),
    config                TEXT,
    active                TINYINT(1)   NOT NULL DEFAULT 1,
    is_default            TINYINT(1)   NOT NULL DEFAULT 0,
    created_at            BIGINT       NOT NULL,
    updated_at            BIGINT       NOT NULL,
    UNIQUE KEY uniq_theme_key (theme_key),
    CONSTRAINT fk_theme_si FOREIGN KEY (service_integrator_id)
        REFERENCES service_integrators (id) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS instances (
    instance_id VARCHAR(64)  NOT NULL PRIMARY KEY,
    hostname    VARCHAR(255) NOT NULL,
    version     VARCHAR(64)  NOT NULL,
    started_at  BIGINT       NOT NULL,
    last_seen   BIGINT       NOT NULL
) ENGINE=InnoDB;
`

// Migrate applies the schema. Statements are idempotent so running it on
// every start is safe; it does not alter existing tables.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.exec(ctx, schema); err != nil {
		return trace.Wrap(err, "applying database schema")
	}
	logger.Get(ctx).Debug("Database schema is up to date")
	return nil
}

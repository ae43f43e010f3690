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

package main

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"

	"github.com/snowflow/license-server/lib/kms"
	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/seats"
	"github.com/snowflow/license-server/lib/secrets"
	"github.com/snowflow/license-server/lib/storage"
	"github.com/snowflow/license-server/lib/web"
)

const exampleConfig = `# example snowflow-license-server configuration TOML file
[http]
listen = ":8080"                  # Network address in format [addr]:port
base-url = "https://licenses.example.com" # URL on which the server is accessible externally
# https_key_file = "/var/lib/snowflow/server_key.pem"  # TLS private key
# https_cert_file = "/var/lib/snowflow/server_cert.pem" # TLS certificate
# cors-origin = "https://portal.example.com" # Allowed browser origin for the admin portal

[db]
host = "localhost"
port = 3306
user = "snowflow"
password = "password"             # Or set DB_PASSWORD in the environment
database = "snowflow_licenses"
# max_open_conns = 10
# conn_max_lifetime = "30m"

[secrets]
# 32-byte key protecting stored credentials. Or set
# derive_encryption_key = true to derive one from a passphrase.
encryption_key = "change-me-to-a-32-byte-secret!!!"
# derive_encryption_key = false
license_secret = "license-checksum-salt"  # Salts license key checksums
jwt_secret = "jwt-signing-secret"         # Signs admin session tokens
# admin_key = ""                          # Out-of-band admin API key; empty disables it

[kms]
# Optional Cloud KMS envelope encryption for stored credentials.
# project = "my-gcp-project"
# location = "global"
# key_ring = "snowflow"
# crypto_key = "credentials"

[seats]
# grace_window = "5m"   # How long a silent connection keeps its seat
# stale_timeout = "2m"  # How silent a connection must go before the reaper frees it

[limits]
# tenant_requests = 100 # Requests per tenant per interval
# tenant_interval = "15m"
# ip_requests = 100     # Requests per client IP on the SSO endpoints
# ip_interval = "15m"

[log]
output = "stderr" # Logger output. Could be "stdout", "stderr" or "/var/lib/snowflow/server.log"
severity = "INFO" # Logger severity. Could be "INFO", "ERROR", "DEBUG" or "WARN".
`

// SecretsConfig carries the key material the server refuses to run without.
type SecretsConfig struct {
	EncryptionKey string `toml:"encryption_key"`
	// DeriveEncryptionKey derives the 32-byte credential key from an
	// arbitrary passphrase instead of requiring exact length.
	DeriveEncryptionKey bool   `toml:"derive_encryption_key"`
	LicenseSecret       string `toml:"license_secret"`
	JWTSecret           string `toml:"jwt_secret"`
	AdminKey            string `toml:"admin_key"`
}

// KeyBytes returns the credential encryption key ready for cipher
// construction.
func (c SecretsConfig) KeyBytes() []byte {
	if c.DeriveEncryptionKey {
		return secrets.DeriveKey(c.EncryptionKey)
	}
	return []byte(c.EncryptionKey)
}

// LimitsConfig tunes the per-tenant and per-IP rate limiters. Zero values
// select the built-in defaults.
type LimitsConfig struct {
	TenantRequests uint64        `toml:"tenant_requests"`
	TenantInterval time.Duration `toml:"tenant_interval"`
	IPRequests     uint64        `toml:"ip_requests"`
	IPInterval     time.Duration `toml:"ip_interval"`
}

// Config is the root of the server configuration file.
type Config struct {
	HTTP    web.HTTPConfig `toml:"http"`
	DB      storage.Config `toml:"db"`
	Secrets SecretsConfig  `toml:"secrets"`
	KMS     kms.Config     `toml:"kms"`
	Seats   seats.Config   `toml:"seats"`
	Limits  LimitsConfig   `toml:"limits"`
	Log     logger.Config  `toml:"log"`
}

// LoadConfig reads the TOML file, applies environment overrides on top and
// validates the result.
func LoadConfig(filepath string) (*Config, error) {
	t, err := toml.LoadFile(filepath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := &Config{}
	if err := t.Unmarshal(conf); err != nil {
		return nil, trace.Wrap(err)
	}
	conf.applyEnvOverrides()
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}

// applyEnvOverrides layers the container-style environment variables over
// the file. The environment wins so one image can serve many deployments.
func (c *Config) applyEnvOverrides() {
	setString(&c.DB.Host, "DB_HOST")
	setString(&c.DB.User, "DB_USER")
	setString(&c.DB.Password, "DB_PASSWORD")
	setString(&c.DB.Database, "DB_NAME")
	if raw := os.Getenv("DB_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			c.DB.Port = port
		}
	}

	setString(&c.Secrets.EncryptionKey, "CREDENTIALS_ENCRYPTION_KEY")
	setString(&c.Secrets.LicenseSecret, "LICENSE_SECRET")
	setString(&c.Secrets.JWTSecret, "JWT_SECRET", "SESSION_SECRET")
	setString(&c.Secrets.AdminKey, "ADMIN_KEY")

	setString(&c.KMS.Project, "GCP_PROJECT_ID", "GOOGLE_CLOUD_PROJECT")

	if port := os.Getenv("PORT"); port != "" {
		c.HTTP.Listen = ":" + port
	}
	setString(&c.HTTP.CORSOrigin, "CORS_ORIGIN")

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Severity = level
	}
}

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			*dst = value
			return
		}
	}
}

// CheckAndSetDefaults validates the whole tree and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	// The TLS settings are checked in NewApp, after the insecure flag is
	// applied on top of the file.
	if err := c.DB.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.KMS.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Seats.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	if c.Secrets.EncryptionKey == "" {
		return trace.BadParameter("missing secrets.encryption_key (or CREDENTIALS_ENCRYPTION_KEY)")
	}
	if !c.Secrets.DeriveEncryptionKey && len(c.Secrets.EncryptionKey) != secrets.KeySize {
		return trace.BadParameter(
			"secrets.encryption_key must be exactly %d bytes, got %d; set derive_encryption_key = true to derive a key from a passphrase",
			secrets.KeySize, len(c.Secrets.EncryptionKey))
	}
	if c.Secrets.LicenseSecret == "" {
		return trace.BadParameter("missing secrets.license_secret (or LICENSE_SECRET)")
	}
	if c.Secrets.JWTSecret == "" {
		return trace.BadParameter("missing secrets.jwt_secret (or JWT_SECRET)")
	}
	return nil
}

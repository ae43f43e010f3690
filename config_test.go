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
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/require"

	"github.com/snowflow/license-server/lib/secrets"
)

const testConfigBody = `
[http]
listen = ":9443"
base-url = "https://licenses.example.com"

[db]
host = "db.internal"
port = 3307
user = "snowflow"
password = "file-password"
database = "snowflow_licenses"

[secrets]
encryption_key = "0123456789abcdef0123456789abcdef"
license_secret = "file-license-secret"
jwt_secret = "file-jwt-secret"

[seats]
grace_window = "3m"

[limits]
tenant_requests = 50
tenant_interval = "1m"

[log]
output = "stderr"
severity = "INFO"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, testConfigBody))
	require.NoError(t, err)

	require.Equal(t, ":9443", conf.HTTP.Listen)
	require.Equal(t, "db.internal", conf.DB.Host)
	require.Equal(t, 3307, conf.DB.Port)
	require.Equal(t, "file-license-secret", conf.Secrets.LicenseSecret)
	require.Equal(t, 3*time.Minute, conf.Seats.GraceWindow)
	require.Equal(t, uint64(50), conf.Limits.TenantRequests)
	require.Equal(t, time.Minute, conf.Limits.TenantInterval)
	// Unset sections fall back to defaults.
	require.NotZero(t, conf.Seats.StaleTimeout)
	require.NotZero(t, conf.DB.MaxOpenConns)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DB_PASSWORD", "env-password")
	t.Setenv("DB_PORT", "3308")
	t.Setenv("LICENSE_SECRET", "env-license-secret")
	t.Setenv("PORT", "8081")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GCP_PROJECT_ID", "acme-prod")

	conf, err := LoadConfig(writeConfig(t, testConfigBody))
	require.NoError(t, err)

	require.Equal(t, "env-password", conf.DB.Password)
	require.Equal(t, 3308, conf.DB.Port)
	require.Equal(t, "env-license-secret", conf.Secrets.LicenseSecret)
	require.Equal(t, ":8081", conf.HTTP.Listen)
	require.Equal(t, "debug", conf.Log.Severity)
	require.Equal(t, "acme-prod", conf.KMS.Project)
}

func TestSessionSecretFallback(t *testing.T) {
	t.Setenv("SESSION_SECRET", "legacy-session-secret")

	conf, err := LoadConfig(writeConfig(t, testConfigBody))
	require.NoError(t, err)
	require.Equal(t, "legacy-session-secret", conf.Secrets.JWTSecret)

	// An explicit JWT_SECRET wins over the legacy name.
	t.Setenv("JWT_SECRET", "modern-jwt-secret")
	conf, err = LoadConfig(writeConfig(t, testConfigBody))
	require.NoError(t, err)
	require.Equal(t, "modern-jwt-secret", conf.Secrets.JWTSecret)
}

func TestEncryptionKeyLength(t *testing.T) {
	short := `
[db]
user = "snowflow"
database = "snowflow_licenses"

[secrets]
encryption_key = "too-short"
license_secret = "s"
jwt_secret = "s"
`
	_, err := LoadConfig(writeConfig(t, short))
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")

	derived := short + "derive_encryption_key = true\n"
	conf, err := LoadConfig(writeConfig(t, derived))
	require.NoError(t, err)
	require.Len(t, conf.Secrets.KeyBytes(), secrets.KeySize)
}

func TestMissingSecretsRejected(t *testing.T) {
	body := `
[db]
user = "snowflow"
database = "snowflow_licenses"

[secrets]
encryption_key = "0123456789abcdef0123456789abcdef"
`
	_, err := LoadConfig(writeConfig(t, body))
	require.Error(t, err)
	require.Contains(t, err.Error(), "license_secret")
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()

	conf := &Config{}
	tree, err := toml.Load(exampleConfig)
	require.NoError(t, err)
	require.NoError(t, tree.Unmarshal(conf))
	require.Equal(t, ":8080", conf.HTTP.Listen)
	require.Len(t, conf.Secrets.EncryptionKey, secrets.KeySize)
}

/*
Copyright 2025.

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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Default Values Tests
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 30*time.Second, cfg.Monitor.TickInterval)
	assert.Equal(t, 1*time.Hour, cfg.Monitor.PruneInterval)

	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/var/lib/crabd/crabd.db", cfg.Store.SQLite.Path)
	assert.Equal(t, 5432, cfg.Store.PostgreSQL.Port)
	assert.Equal(t, "require", cfg.Store.PostgreSQL.SSLMode)
	assert.Equal(t, 3306, cfg.Store.MySQL.Port)

	assert.Equal(t, "", cfg.OutputStore.Type)

	assert.Equal(t, 30, cfg.Retention.DefaultDays)
	assert.Equal(t, 365, cfg.Retention.MaxDays)

	assert.Equal(t, 50, cfg.RateLimits.MaxAlertsPerMinute)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 8080, cfg.API.Port)

	assert.Equal(t, ":9090", cfg.Metrics.BindAddress)

	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, "crabd failures", cfg.Feed.Title)
	assert.Equal(t, 50, cfg.Feed.MaxItems)
}

func TestLoad_DefaultValues(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, 30, cfg.Retention.DefaultDays)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "", cfg.ConfigFileUsed())
}

// ============================================================================
// YAML File Loading Tests
// ============================================================================

func TestLoad_YAMLFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crabd.yaml")

	yamlContent := `
log-level: debug
monitor:
  tick-interval: 10s
  prune-interval: 2h
store:
  type: postgres
  postgres:
    host: localhost
    port: 5432
    database: crabd
    username: user
    password: secret
    ssl-mode: disable
retention:
  default-days: 60
  max-days: 180
rate-limits:
  max-alerts-per-minute: 100
api:
  enabled: true
  port: 9090
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Monitor.TickInterval)
	assert.Equal(t, 2*time.Hour, cfg.Monitor.PruneInterval)

	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "localhost", cfg.Store.PostgreSQL.Host)
	assert.Equal(t, "crabd", cfg.Store.PostgreSQL.Database)
	assert.Equal(t, "secret", cfg.Store.PostgreSQL.Password)
	assert.Equal(t, "disable", cfg.Store.PostgreSQL.SSLMode)

	assert.Equal(t, 60, cfg.Retention.DefaultDays)
	assert.Equal(t, 180, cfg.Retention.MaxDays)

	assert.Equal(t, 100, cfg.RateLimits.MaxAlertsPerMinute)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 9090, cfg.API.Port)

	assert.Equal(t, configPath, cfg.ConfigFileUsed())
}

func TestLoad_TransportSections(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crabd.yaml")

	yamlContent := `
transport:
  ops-email:
    type: email
    smtp-host: smtp.example.com
    smtp-port: "587"
    smtp-username: alerts@example.com
    from: alerts@example.com
  ops-slack:
    type: slack
    webhook-url: https://hooks.slack.example.com/abc
  ops-shell:
    type: shell
    command: /usr/local/bin/page-oncall.sh
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Set("config", configPath))

	cfg, err := Load(flags)
	require.NoError(t, err)

	require.Len(t, cfg.Transports, 3)
	assert.Equal(t, "email", cfg.Transports["ops-email"].Type)
	assert.Equal(t, "smtp.example.com", cfg.Transports["ops-email"].SMTPHost)
	assert.Equal(t, "slack", cfg.Transports["ops-slack"].Type)
	assert.Equal(t, "https://hooks.slack.example.com/abc", cfg.Transports["ops-slack"].WebhookURL)
	assert.Equal(t, "shell", cfg.Transports["ops-shell"].Type)
	assert.Equal(t, "/usr/local/bin/page-oncall.sh", cfg.Transports["ops-shell"].Command)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crabd.yaml")

	invalidYAML := `
log-level: debug
store:
  type: [invalid yaml
    - missing bracket
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	_, err = Load(flags)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_NonExistentConfigFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err := flags.Set("config", "/nonexistent/path/crabd.yaml")
	require.NoError(t, err)

	_, err = Load(flags)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

// ============================================================================
// CLI Flags Override Tests
// ============================================================================

func TestLoad_Flags(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crabd.yaml")

	yamlContent := `
log-level: info
store:
  type: sqlite
api:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err = flags.Set("config", configPath)
	require.NoError(t, err)
	err = flags.Set("log-level", "debug")
	require.NoError(t, err)
	err = flags.Set("api.port", "9999")
	require.NoError(t, err)
	err = flags.Set("store.type", "postgres")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9999, cfg.API.Port)
	assert.Equal(t, "postgres", cfg.Store.Type)
}

func TestLoad_Flags_AllStoreOptions(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("store.type", "mysql")
	require.NoError(t, err)
	err = flags.Set("store.mysql.host", "mysql.local")
	require.NoError(t, err)
	err = flags.Set("store.mysql.port", "3307")
	require.NoError(t, err)
	err = flags.Set("store.mysql.database", "crabd_db")
	require.NoError(t, err)
	err = flags.Set("store.mysql.username", "admin")
	require.NoError(t, err)
	err = flags.Set("store.mysql.password", "secret123")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Store.Type)
	assert.Equal(t, "mysql.local", cfg.Store.MySQL.Host)
	assert.Equal(t, 3307, cfg.Store.MySQL.Port)
	assert.Equal(t, "crabd_db", cfg.Store.MySQL.Database)
	assert.Equal(t, "admin", cfg.Store.MySQL.Username)
	assert.Equal(t, "secret123", cfg.Store.MySQL.Password)
}

func TestLoad_Flags_OutputStore(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	err := flags.Set("output-store.type", "sqlite")
	require.NoError(t, err)
	err = flags.Set("output-store.sqlite.path", "/var/lib/crabd/output.db")
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.OutputStore.Type)
	assert.Equal(t, "/var/lib/crabd/output.db", cfg.OutputStore.SQLite.Path)
}

// ============================================================================
// Environment Variable Tests
// ============================================================================

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CRABD_LOG_LEVEL", "warn")
	t.Setenv("CRABD_STORE_TYPE", "postgres")
	t.Setenv("CRABD_STORE_POSTGRES_HOST", "pg.example.com")
	t.Setenv("CRABD_API_PORT", "8888")
	t.Setenv("CRABD_RETENTION_DEFAULT_DAYS", "45")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "pg.example.com", cfg.Store.PostgreSQL.Host)
	assert.Equal(t, 8888, cfg.API.Port)
	assert.Equal(t, 45, cfg.Retention.DefaultDays)
}

func TestLoad_Environment_OverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crabd.yaml")

	yamlContent := `
log-level: info
store:
  type: sqlite
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	t.Setenv("CRABD_LOG_LEVEL", "error")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Store.Type)
}

// ============================================================================
// Store Type Tests
// ============================================================================

func TestLoad_StoreTypes(t *testing.T) {
	tests := []struct {
		name      string
		storeType string
	}{
		{"sqlite", "sqlite"},
		{"postgres", "postgres"},
		{"mysql", "mysql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			BindFlags(flags)
			err := flags.Set("store.type", tt.storeType)
			require.NoError(t, err)

			cfg, err := Load(flags)
			require.NoError(t, err)
			assert.Equal(t, tt.storeType, cfg.Store.Type)
		})
	}
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestLoad_RetentionDefaultExceedsMax(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err := flags.Set("retention.default-days", "400")
	require.NoError(t, err)
	err = flags.Set("retention.max-days", "90")
	require.NoError(t, err)

	_, err = Load(flags)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds retention.max-days")
}

// ============================================================================
// Log Level Tests
// ============================================================================

func TestLoad_LogLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}

	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			BindFlags(flags)
			err := flags.Set("log-level", level)
			require.NoError(t, err)

			cfg, err := Load(flags)
			require.NoError(t, err)
			assert.Equal(t, level, cfg.LogLevel)
		})
	}
}

// ============================================================================
// Config File Used Tests
// ============================================================================

func TestConfigFileUsed(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crabd-config.yaml")

	yamlContent := `log-level: debug`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, configPath, cfg.ConfigFileUsed())
}

func TestConfigFileUsed_NoFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "", cfg.ConfigFileUsed())
}

// ============================================================================
// BindFlags Tests
// ============================================================================

func TestBindFlags_AllFlagsRegistered(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	expectedFlags := []string{
		"config",
		"log-level",
		"monitor.tick-interval",
		"monitor.prune-interval",
		"store.type",
		"store.sqlite.path",
		"store.postgres.host",
		"store.postgres.port",
		"store.postgres.database",
		"store.postgres.username",
		"store.postgres.password",
		"store.postgres.ssl-mode",
		"store.mysql.host",
		"store.mysql.port",
		"store.mysql.database",
		"store.mysql.username",
		"store.mysql.password",
		"output-store.type",
		"output-store.sqlite.path",
		"retention.default-days",
		"retention.max-days",
		"rate-limits.max-alerts-per-minute",
		"api.enabled",
		"api.port",
		"metrics.bind-address",
		"feed.enabled",
		"feed.title",
		"feed.max-items",
	}

	for _, flagName := range expectedFlags {
		flag := flags.Lookup(flagName)
		assert.NotNil(t, flag, "Flag %s should be registered", flagName)
	}
}

// ============================================================================
// Complete Configuration Test
// ============================================================================

func TestLoad_CompleteConfiguration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crabd.yaml")

	yamlContent := `
log-level: debug
monitor:
  tick-interval: 15s
  prune-interval: 30m
store:
  type: postgres
  sqlite:
    path: /tmp/test.db
  postgres:
    host: db.example.com
    port: 5432
    database: crabd
    username: crabd
    password: secret
    ssl-mode: require
  mysql:
    host: mysql.example.com
    port: 3306
    database: crabd
    username: root
    password: root
output-store:
  type: mysql
  mysql:
    host: blobs.example.com
    port: 3306
    database: crabd_blobs
retention:
  default-days: 14
  max-days: 60
rate-limits:
  max-alerts-per-minute: 25
api:
  enabled: true
  port: 3000
metrics:
  bind-address: ":9091"
feed:
  enabled: false
  title: custom feed
  max-items: 20
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0600)
	require.NoError(t, err)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err = flags.Set("config", configPath)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)

	assert.Equal(t, 15*time.Second, cfg.Monitor.TickInterval)
	assert.Equal(t, 30*time.Minute, cfg.Monitor.PruneInterval)

	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "db.example.com", cfg.Store.PostgreSQL.Host)
	assert.Equal(t, "crabd", cfg.Store.PostgreSQL.Database)
	assert.Equal(t, "secret", cfg.Store.PostgreSQL.Password)
	assert.Equal(t, "require", cfg.Store.PostgreSQL.SSLMode)

	assert.Equal(t, "mysql", cfg.OutputStore.Type)
	assert.Equal(t, "blobs.example.com", cfg.OutputStore.MySQL.Host)
	assert.Equal(t, "crabd_blobs", cfg.OutputStore.MySQL.Database)

	assert.Equal(t, 14, cfg.Retention.DefaultDays)
	assert.Equal(t, 60, cfg.Retention.MaxDays)

	assert.Equal(t, 25, cfg.RateLimits.MaxAlertsPerMinute)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 3000, cfg.API.Port)

	assert.Equal(t, ":9091", cfg.Metrics.BindAddress)

	assert.False(t, cfg.Feed.Enabled)
	assert.Equal(t, "custom feed", cfg.Feed.Title)
	assert.Equal(t, 20, cfg.Feed.MaxItems)
}

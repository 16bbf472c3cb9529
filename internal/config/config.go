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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/crabwatch/crabd/internal/errs"
)

// Config holds all configuration for the crabd daemon.
type Config struct {
	configFileUsed string

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// PidFile is the path the daemon writes its PID to at startup and
	// removes on shutdown (empty disables the discipline entirely).
	PidFile string `mapstructure:"pidfile"`

	Crab         CrabConfig         `mapstructure:"crab"`
	Notify       NotifyDefaults     `mapstructure:"notify"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Store        StoreConfig        `mapstructure:"store"`
	OutputStore  OutputStoreConfig  `mapstructure:"output-store"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	RateLimits   RateLimitsConfig   `mapstructure:"rate-limits"`
	API          APIConfig          `mapstructure:"api"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Feed         FeedConfig         `mapstructure:"feed"`

	// Transports holds one entry per configured `[transport:<name>]`
	// section, keyed by the name notification rules reference.
	Transports map[string]TransportConfig `mapstructure:"transport"`
}

// TransportConfig configures a single named notification transport.
type TransportConfig struct {
	// Type selects the transport implementation (email, slack, webhook,
	// pagerduty, shell).
	Type string `mapstructure:"type"`

	SMTPHost     string `mapstructure:"smtp-host"`
	SMTPPort     string `mapstructure:"smtp-port"`
	SMTPUsername string `mapstructure:"smtp-username"`
	SMTPPassword string `mapstructure:"smtp-password"`
	From         string `mapstructure:"from"`

	WebhookURL string            `mapstructure:"webhook-url"`
	Headers    map[string]string `mapstructure:"headers"`

	RoutingKey string `mapstructure:"routing-key"`

	// Command is the shell transport's command line, run as-is through
	// /bin/sh -c with CRABD_ADDRESS, CRABD_SUBJECT and CRABD_BODY in its
	// environment.
	Command string `mapstructure:"command"`
}

// CrabConfig holds the `[crab]` section: the daemon's home directory for
// static assets and the base URL used to build absolute links in the RSS
// feed.
type CrabConfig struct {
	Home    string `mapstructure:"home"`
	BaseURL string `mapstructure:"base_url"`
}

// NotifyDefaults holds the `[notify]` section. Both values are loaded
// here, but no other package reads them.
type NotifyDefaults struct {
	// Timezone is the IANA zone name loaded from notify.timezone. It is
	// not applied: a schedule without its own timezone is evaluated in
	// UTC.
	Timezone string `mapstructure:"timezone"`

	// CooldownSeconds is the dedup window loaded from notify.cooldown. It
	// is not applied: a rule whose own CooldownSeconds is zero has no
	// cooldown.
	CooldownSeconds int `mapstructure:"cooldown"`
}

// MonitorConfig configures the liveness monitor's background ticker.
type MonitorConfig struct {
	// TickInterval is how often the monitor evaluates schedules against
	// observed events.
	TickInterval time.Duration `mapstructure:"tick-interval"`

	// PruneInterval is how often old events are pruned per Retention.
	PruneInterval time.Duration `mapstructure:"prune-interval"`
}

// StoreConfig configures the primary persistence backend.
type StoreConfig struct {
	// Type is the storage backend type (sqlite, postgres, mysql).
	Type string `mapstructure:"type"`

	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgres"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
}

// OutputStoreConfig configures the optional secondary blob store for large
// stdout/stderr payloads. Type empty disables it.
type OutputStoreConfig struct {
	Type       string     `mapstructure:"type"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgres"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
}

// SQLiteConfig configures SQLite storage.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgreSQLConfig configures PostgreSQL storage.
type PostgreSQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

// MySQLConfig configures MySQL/MariaDB storage.
type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RetentionConfig configures history pruning.
type RetentionConfig struct {
	// DefaultDays is the default retention period.
	DefaultDays int `mapstructure:"default-days"`

	// MaxDays is the maximum allowed retention a caller may request.
	MaxDays int `mapstructure:"max-days"`
}

// RateLimitsConfig configures global notification rate limits.
type RateLimitsConfig struct {
	// MaxAlertsPerMinute across all transports.
	MaxAlertsPerMinute int `mapstructure:"max-alerts-per-minute"`
}

// APIConfig configures the HTTP server serving the client protocol, read
// API, feed, and web dashboard.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// BindAddress is the address to bind to (empty disables it).
	BindAddress string `mapstructure:"bind-address"`
}

// FeedConfig configures the RSS feed of recent failures.
type FeedConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Title   string `mapstructure:"title"`
	MaxItems int  `mapstructure:"max-items"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Crab: CrabConfig{
			Home: "/var/lib/crabd",
		},
		Notify: NotifyDefaults{
			Timezone:        "UTC",
			CooldownSeconds: 900,
		},
		Monitor: MonitorConfig{
			TickInterval:  30 * time.Second,
			PruneInterval: 1 * time.Hour,
		},
		Store: StoreConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "/var/lib/crabd/crabd.db",
			},
			PostgreSQL: PostgreSQLConfig{
				Port:    5432,
				SSLMode: "require",
			},
			MySQL: MySQLConfig{
				Port: 3306,
			},
		},
		Retention: RetentionConfig{
			DefaultDays: 30,
			MaxDays:     365,
		},
		RateLimits: RateLimitsConfig{
			MaxAlertsPerMinute: 50,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Metrics: MetricsConfig{
			BindAddress: ":9090",
		},
		Feed: FeedConfig{
			Enabled:  true,
			Title:    "crabd failures",
			MaxItems: 50,
		},
	}
}

// BindFlags binds configuration flags to pflags.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("pidfile", "", "Path to write the daemon's PID file (empty disables PID-file discipline)")

	flags.String("crab.home", "/var/lib/crabd", "Path to static assets")
	flags.String("crab.base_url", "", "Absolute base URL used in feed links")

	flags.String("notify.timezone", "UTC", "Default IANA timezone for schedules that don't specify one")
	flags.Int("notify.cooldown", 900, "Default notification cooldown in seconds")

	flags.Duration("monitor.tick-interval", 30*time.Second, "How often the liveness monitor evaluates schedules")
	flags.Duration("monitor.prune-interval", 1*time.Hour, "How often old events are pruned")

	flags.String("store.type", "sqlite", "Primary store backend (sqlite, postgres, mysql)")
	flags.String("store.sqlite.path", "/var/lib/crabd/crabd.db", "Path to SQLite database file")
	flags.String("store.postgres.host", "", "PostgreSQL host")
	flags.Int("store.postgres.port", 5432, "PostgreSQL port")
	flags.String("store.postgres.database", "", "PostgreSQL database name")
	flags.String("store.postgres.username", "", "PostgreSQL username")
	flags.String("store.postgres.password", "", "PostgreSQL password")
	flags.String("store.postgres.ssl-mode", "require", "PostgreSQL SSL mode")
	flags.String("store.mysql.host", "", "MySQL host")
	flags.Int("store.mysql.port", 3306, "MySQL port")
	flags.String("store.mysql.database", "", "MySQL database name")
	flags.String("store.mysql.username", "", "MySQL username")
	flags.String("store.mysql.password", "", "MySQL password")

	flags.String("output-store.type", "", "Secondary output-blob store backend (empty disables it)")
	flags.String("output-store.sqlite.path", "", "Path to output-store SQLite file")
	flags.String("output-store.postgres.host", "", "Output-store PostgreSQL host")
	flags.Int("output-store.postgres.port", 5432, "Output-store PostgreSQL port")
	flags.String("output-store.postgres.database", "", "Output-store PostgreSQL database")
	flags.String("output-store.postgres.username", "", "Output-store PostgreSQL username")
	flags.String("output-store.postgres.password", "", "Output-store PostgreSQL password")
	flags.String("output-store.mysql.host", "", "Output-store MySQL host")
	flags.Int("output-store.mysql.port", 3306, "Output-store MySQL port")
	flags.String("output-store.mysql.database", "", "Output-store MySQL database")
	flags.String("output-store.mysql.username", "", "Output-store MySQL username")
	flags.String("output-store.mysql.password", "", "Output-store MySQL password")

	flags.Int("retention.default-days", 30, "Default event retention period in days")
	flags.Int("retention.max-days", 365, "Maximum allowed retention period in days")

	flags.Int("rate-limits.max-alerts-per-minute", 50, "Maximum alerts dispatched per minute across all transports")

	flags.Bool("api.enabled", true, "Enable the HTTP API/UI server")
	flags.Int("api.port", 8080, "API/UI server port")

	flags.String("metrics.bind-address", ":9090", "Prometheus metrics bind address (empty disables it)")

	flags.Bool("feed.enabled", true, "Enable the RSS failure feed")
	flags.String("feed.title", "crabd failures", "RSS feed title")
	flags.Int("feed.max-items", 50, "Maximum items in the RSS feed")
}

// Load loads configuration from flags, environment, and config file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("monitor.tick-interval", defaults.Monitor.TickInterval)
	v.SetDefault("monitor.prune-interval", defaults.Monitor.PruneInterval)
	v.SetDefault("store.type", defaults.Store.Type)
	v.SetDefault("store.sqlite.path", defaults.Store.SQLite.Path)
	v.SetDefault("store.postgres.port", defaults.Store.PostgreSQL.Port)
	v.SetDefault("store.postgres.ssl-mode", defaults.Store.PostgreSQL.SSLMode)
	v.SetDefault("store.mysql.port", defaults.Store.MySQL.Port)
	v.SetDefault("retention.default-days", defaults.Retention.DefaultDays)
	v.SetDefault("retention.max-days", defaults.Retention.MaxDays)
	v.SetDefault("rate-limits.max-alerts-per-minute", defaults.RateLimits.MaxAlertsPerMinute)
	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.port", defaults.API.Port)
	v.SetDefault("metrics.bind-address", defaults.Metrics.BindAddress)
	v.SetDefault("feed.enabled", defaults.Feed.Enabled)
	v.SetDefault("feed.title", defaults.Feed.Title)
	v.SetDefault("feed.max-items", defaults.Feed.MaxItems)

	if err := v.BindPFlags(flags); err != nil {
		return nil, errs.NewConfigError("binding flags", err)
	}

	v.SetEnvPrefix("CRABD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.NewConfigError("reading config file", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		v.SetConfigName("crabd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/crabd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.NewConfigError("unmarshaling config", err)
	}
	cfg.configFileUsed = configFileUsed

	if cfg.Retention.DefaultDays > cfg.Retention.MaxDays {
		return nil, errs.NewConfigError(fmt.Sprintf("retention.default-days (%d) exceeds retention.max-days (%d)", cfg.Retention.DefaultDays, cfg.Retention.MaxDays), nil)
	}

	return cfg, nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none).
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}

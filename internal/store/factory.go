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

package store

import "fmt"

// DSNConfig carries the fields needed to build a dialect-specific DSN.
type DSNConfig struct {
	Type     string // sqlite, postgres, mysql
	Path     string // sqlite file path
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string // postgres only
}

// NewStoreFromConfig builds and initializes the primary Store from a DSN
// configuration, defaulting to SQLite when unset.
func NewStoreFromConfig(cfg DSNConfig) (*GormStore, error) {
	switch cfg.Type {
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "/var/lib/crabd/crabd.db"
		}
		return NewGormStore("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")

	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, orDefault(cfg.SSLMode, "require"))
		return NewGormStore("postgres", dsn)

	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		return NewGormStore("mysql", dsn)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

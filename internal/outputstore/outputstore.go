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

// Package outputstore implements the optional secondary backend for large
// stdout/stderr payloads referenced by spec §4.1. It is a single-table blob
// repository over plain database/sql, deliberately lighter than the
// GORM-backed primary store: the table has one key (ref) and two text
// columns, and every access is a point lookup or a point write, so the
// raw-SQL approach this package is adapted from avoids ORM overhead for
// work an ORM wouldn't simplify.
package outputstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/crabwatch/crabd/internal/store"
)

// DSNConfig mirrors store.DSNConfig for the secondary backend.
type DSNConfig struct {
	Type     string // sqlite, postgres, mysql
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

// New builds the configured BlobStore implementation. A zero-value Type
// disables the output store; callers should treat a nil, nil return as
// "no secondary backend configured".
func New(cfg DSNConfig) (store.BlobStore, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "sqlite":
		return newSQLite(cfg.Path)
	case "postgres":
		return newPostgres(cfg)
	case "mysql":
		return newMySQL(cfg)
	default:
		return nil, fmt.Errorf("outputstore: unknown backend type %q", cfg.Type)
	}
}

// sqlStore is the shared implementation; only the driver/DSN and the SQL
// statements differ between dialects.
type sqlStore struct {
	db         *sql.DB
	driverName string
	dsn        string
	createStmt string
	upsertStmt string
	selectStmt string
	deleteStmt string
}

func (s *sqlStore) Init() error {
	db, err := sql.Open(s.driverName, s.dsn)
	if err != nil {
		return fmt.Errorf("outputstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("outputstore: ping: %w", err)
	}
	if _, err := db.Exec(s.createStmt); err != nil {
		return fmt.Errorf("outputstore: create schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Put(ctx context.Context, ref string, stdout, stderr string) error {
	_, err := s.db.ExecContext(ctx, s.upsertStmt, ref, stdout, stderr)
	return err
}

func (s *sqlStore) Get(ctx context.Context, ref string) (string, string, error) {
	var stdout, stderr sql.NullString
	row := s.db.QueryRowContext(ctx, s.selectStmt, ref)
	if err := row.Scan(&stdout, &stderr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("outputstore: no blob for ref %q", ref)
		}
		return "", "", err
	}
	return stdout.String, stderr.String, nil
}

func (s *sqlStore) Delete(ctx context.Context, ref string) error {
	_, err := s.db.ExecContext(ctx, s.deleteStmt, ref)
	return err
}

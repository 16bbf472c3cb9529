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

package outputstore

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/crabwatch/crabd/internal/store"
)

func newPostgres(cfg DSNConfig) (store.BlobStore, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, sslMode)

	s := &sqlStore{
		driverName: "pgx",
		dsn:        dsn,
		createStmt: `
			CREATE TABLE IF NOT EXISTS rawoutput (
				ref        TEXT PRIMARY KEY,
				stdout     TEXT,
				stderr     TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);`,
		upsertStmt: `INSERT INTO rawoutput (ref, stdout, stderr) VALUES ($1, $2, $3)
			ON CONFLICT (ref) DO UPDATE SET stdout = excluded.stdout, stderr = excluded.stderr`,
		selectStmt: `SELECT stdout, stderr FROM rawoutput WHERE ref = $1`,
		deleteStmt: `DELETE FROM rawoutput WHERE ref = $1`,
	}
	return s, nil
}

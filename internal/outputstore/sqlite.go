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
	_ "github.com/mattn/go-sqlite3"

	"github.com/crabwatch/crabd/internal/store"
)

func newSQLite(path string) (store.BlobStore, error) {
	if path == "" {
		path = "/var/lib/crabd/output.db"
	}
	s := &sqlStore{
		driverName: "sqlite3",
		dsn:        path + "?_journal_mode=WAL&_busy_timeout=5000",
		createStmt: `
			CREATE TABLE IF NOT EXISTS rawoutput (
				ref        TEXT PRIMARY KEY,
				stdout     TEXT,
				stderr     TEXT,
				created_at TEXT DEFAULT CURRENT_TIMESTAMP
			);`,
		upsertStmt: `INSERT INTO rawoutput (ref, stdout, stderr) VALUES (?, ?, ?)
			ON CONFLICT(ref) DO UPDATE SET stdout = excluded.stdout, stderr = excluded.stderr`,
		selectStmt: `SELECT stdout, stderr FROM rawoutput WHERE ref = ?`,
		deleteStmt: `DELETE FROM rawoutput WHERE ref = ?`,
	}
	return s, nil
}

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

	_ "github.com/go-sql-driver/mysql"

	"github.com/crabwatch/crabd/internal/store"
)

func newMySQL(cfg DSNConfig) (store.BlobStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	s := &sqlStore{
		driverName: "mysql",
		dsn:        dsn,
		createStmt: `
			CREATE TABLE IF NOT EXISTS rawoutput (
				ref        VARCHAR(191) PRIMARY KEY,
				stdout     MEDIUMTEXT,
				stderr     MEDIUMTEXT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		upsertStmt: `INSERT INTO rawoutput (ref, stdout, stderr) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE stdout = VALUES(stdout), stderr = VALUES(stderr)`,
		selectStmt: `SELECT stdout, stderr FROM rawoutput WHERE ref = ?`,
		deleteStmt: `DELETE FROM rawoutput WHERE ref = ?`,
	}
	return s, nil
}

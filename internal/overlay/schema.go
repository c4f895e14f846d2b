// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package overlay

import (
	"database/sql"
	"fmt"
)

// DefaultBusyTimeoutMillis is the default SQLite busy_timeout: long enough
// to ride out a competing writer without the caller seeing a spurious
// "database is locked" error under normal load.
const DefaultBusyTimeoutMillis = 30000

// BuildDSN builds the libsql DSN for an overlay file. WAL journal mode and
// busy_timeout are set via the DSN and reinforced with explicit PRAGMAs
// after connecting, since libsql does not honor every DSN pragma parameter.
func BuildDSN(path string, busyTimeoutMillis int) string {
	if busyTimeoutMillis <= 0 {
		busyTimeoutMillis = DefaultBusyTimeoutMillis
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, busyTimeoutMillis)
}

func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// applyPragmas sets the PRAGMAs libsql ignores when passed via DSN. Order
// matters: busy_timeout must be set before journal_mode=WAL, which needs
// exclusive access and would otherwise fail immediately under contention
// instead of waiting.
func applyPragmas(db *sql.DB, busyTimeoutMillis int) error {
	if busyTimeoutMillis <= 0 {
		busyTimeoutMillis = DefaultBusyTimeoutMillis
	}
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		return fmt.Errorf("edenfs/overlay: set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("edenfs/overlay: set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("edenfs/overlay: set synchronous=NORMAL: %w", err)
	}
	return nil
}

const overlaySchema = `
CREATE TABLE IF NOT EXISTS overlay_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS overlay_dirs (
	ino     INTEGER PRIMARY KEY,
	entries BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS overlay_files (
	ino     INTEGER PRIMARY KEY,
	content BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS overlay_symlinks (
	ino    INTEGER PRIMARY KEY,
	target TEXT NOT NULL
);
`

func execStatements(db *sql.DB, script string) error {
	if _, err := db.Exec(script); err != nil {
		return fmt.Errorf("edenfs/overlay: apply schema: %w", err)
	}
	return nil
}

// Package dbconn implements the Connection Scope (C3): read-path
// connection acquisition, as distinct from the serialized write path
// in internal/dbwriter.
//
// Two modes mirror the original db_conn_scope context manager: Private
// opens a dedicated connection that the caller must close; Shared hands
// back a connection owned by a longer-lived pool (here, the same *sql.DB
// the write serializer already holds open) that the caller must not close.
package dbconn

import (
	"database/sql"
	"fmt"

	"github.com/agentcore/substrate/internal/logging"
	_ "modernc.org/sqlite"
)

// Private opens a dedicated, read-only-by-convention connection to path
// and applies journal_mode=WAL and foreign_keys=ON so read queries observe
// a consistent WAL-mode view. The caller owns the returned *sql.DB
// and must Close it; Close errors are logged, not propagated, matching
// the original's "close errors shouldn't mask the caller's real error".
func Private(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("dbconn: open private connection to %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			closeQuietly(db, path)
			return nil, fmt.Errorf("dbconn: apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// ClosePrivate closes a connection opened with Private, logging (not
// returning) any close error so it never shadows a caller's real error.
func ClosePrivate(db *sql.DB, path string) {
	closeQuietly(db, path)
}

func closeQuietly(db *sql.DB, path string) {
	if err := db.Close(); err != nil {
		logging.WithComponent("connection-scope").Warn().Err(err).Str("db", path).Msg("error closing private connection")
	}
}

// Shared returns a read handle backed by an existing, longer-lived
// *sql.DB (typically the one a dbwriter.Writer already opened for a
// given path). The caller must NOT close it; its lifetime belongs to
// whoever constructed it.
func Shared(db *sql.DB) *sql.DB {
	return db
}

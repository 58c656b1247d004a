// Package migrate implements the Migration Runner (C12): applying an
// ordered sequence of schema DDL scripts and recording each as a row in
// schema_version, with optional data-backfill steps that verify their own
// result.
package migrate

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/agentcore/substrate/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one ordered, idempotent schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
	// Backfill, if non-nil, runs after SQL within the same transaction and
	// returns the number of rows it touched plus any verification error.
	// Its result is recorded in the schema_version row's metadata.
	Backfill func(tx *sql.Tx) (rowsAffected int64, err error)
}

// MigrationError wraps a failure applying a migration (spec.md §7).
type MigrationError struct {
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate: version %d failed: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Load reads the embedded *.sql scripts in filename order and pairs them
// with any registered backfill function for that version.
func Load(backfills map[int]func(tx *sql.Tx) (int64, error)) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", e.Name(), err)
		}
		version, desc, err := parseFilename(e.Name())
		if err != nil {
			return nil, err
		}
		m := Migration{Version: version, Description: desc, SQL: string(data)}
		if backfills != nil {
			m.Backfill = backfills[version]
		}
		migrations = append(migrations, m)
	}
	return migrations, nil
}

// parseFilename extracts "0001" and "initial schema" from
// "0001_initial_schema.sql".
func parseFilename(name string) (int, string, error) {
	var version int
	var rest string
	n, err := fmt.Sscanf(name, "%04d_", &version)
	if err != nil || n != 1 {
		return 0, "", fmt.Errorf("migrate: malformed migration filename %q", name)
	}
	rest = name[5:]
	if len(rest) > 4 && rest[len(rest)-4:] == ".sql" {
		rest = rest[:len(rest)-4]
	}
	desc := ""
	for i, r := range rest {
		if r == '_' {
			desc += " "
		} else {
			desc += string(rest[i])
		}
	}
	return version, desc, nil
}

// Applied returns the set of already-applied migration versions.
func Applied(db *sql.DB) (map[int]bool, error) {
	applied := map[int]bool{}
	// schema_version itself may not exist yet on a brand-new database.
	var exists int
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("migrate: check schema_version table: %w", err)
	}
	if exists == 0 {
		return applied, nil
	}
	rows, err := db.Query(`SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("migrate: read schema_version: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Run applies every migration whose version isn't already recorded, in
// ascending order. A migration is skipped iff its schema_version row
// already exists (spec.md §4.12).
func Run(db *sql.DB, migrations []Migration) error {
	log := logging.WithComponent("migration-runner")

	already, err := Applied(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if already[m.Version] {
			log.Debug().Int("version", m.Version).Msg("migration already applied, skipping")
			continue
		}

		if err := applyOne(db, m); err != nil {
			return &MigrationError{Version: m.Version, Err: err}
		}
		log.Info().Int("version", m.Version).Str("description", m.Description).Msg("migration applied")
	}
	return nil
}

func applyOne(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("exec DDL: %w", err)
	}

	metadata := map[string]any{}
	if m.Backfill != nil {
		rows, err := m.Backfill(tx)
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		metadata["backfill_rows_affected"] = rows
		metadata["backfill_verified"] = true
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	checksum := sha256.Sum256([]byte(m.SQL))
	_, err = tx.Exec(
		`INSERT INTO schema_version (version, applied_at, description, checksum, metadata) VALUES (?, ?, ?, ?, ?)`,
		m.Version, time.Now().UTC().Format(time.RFC3339Nano), m.Description, hex.EncodeToString(checksum[:]), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("record schema_version: %w", err)
	}

	return tx.Commit()
}

// CurrentVersion returns the highest applied schema version, or 0 if none.
func CurrentVersion(db *sql.DB) (int, error) {
	applied, err := Applied(db)
	if err != nil {
		return 0, err
	}
	max := 0
	for v := range applied {
		if v > max {
			max = v
		}
	}
	return max, nil
}

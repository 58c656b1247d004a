package migrate

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sqlite")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesAllMigrationsInOrder(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	migrations, err := Load(DefaultBackfills())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(migrations))
	}

	if err := Run(db, migrations); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	version, err := CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion() error: %v", err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Errorf("CurrentVersion() = %d, want %d", version, migrations[len(migrations)-1].Version)
	}
}

func TestRunSkipsAlreadyAppliedMigrations(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	migrations, err := Load(DefaultBackfills())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := Run(db, migrations); err != nil {
		t.Fatalf("Run() first pass error: %v", err)
	}

	// Re-running must be a no-op: versions already recorded in
	// schema_version are skipped, so nothing changes and nothing errors.
	if err := Run(db, migrations); err != nil {
		t.Fatalf("Run() second pass error: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("schema_version has %d rows, want %d", count, len(migrations))
	}
}

func TestAppliedOnFreshDatabase(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	applied, err := Applied(db)
	if err != nil {
		t.Fatalf("Applied() error: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no applied migrations on a fresh database, got %v", applied)
	}
}

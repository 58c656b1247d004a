// Package health implements the Health Check (C11): a bounded set of
// startup checks run under STRICT/SAFE/DEV enforcement modes, grounded
// on the original StartupHealthCheck (spec.md §4.11).
package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentcore/substrate/internal/migrate"
)

// Mode controls how a failed check is treated.
type Mode string

const (
	// Strict: any failed check aborts startup.
	Strict Mode = "strict"
	// Safe: only required checks abort startup; others are logged.
	Safe Mode = "safe"
	// Dev: no check aborts startup; all failures are logged.
	Dev Mode = "dev"
)

// Budget is the target wall-clock ceiling for RunAll (spec.md §4.11).
const Budget = 5 * time.Second

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name     string
	Passed   bool
	Message  string
	Required bool
}

// Report is the aggregate outcome of RunAll.
type Report struct {
	Mode     Mode
	Results  []CheckResult
	Duration time.Duration
}

// OK reports whether, under its mode, the report allows startup to
// proceed: strict requires every check to pass; safe requires only
// required checks to pass; dev always allows startup.
func (r Report) OK() bool {
	switch r.Mode {
	case Dev:
		return true
	case Safe:
		for _, c := range r.Results {
			if c.Required && !c.Passed {
				return false
			}
		}
		return true
	default: // Strict
		for _, c := range r.Results {
			if !c.Passed {
				return false
			}
		}
		return true
	}
}

// Failures returns the results that did not pass.
func (r Report) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Results {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// RunAll runs every check concurrently (via errgroup, within Budget's
// spirit) and returns the aggregate Report.
func RunAll(ctx context.Context, dbPath string, db *sql.DB, mode Mode) Report {
	start := time.Now()

	checks := []struct {
		name     string
		required bool
		fn       func() (bool, string)
	}{
		{"db_exists", true, func() (bool, string) { return checkDBExists(dbPath) }},
		{"sqlite_wal", true, func() (bool, string) { return checkWALMode(db) }},
		{"busy_timeout", false, func() (bool, string) { return checkBusyTimeout(db) }},
		{"schema_version", true, func() (bool, string) { return checkSchemaVersion(db) }},
		{"recovery_tables", true, func() (bool, string) { return checkRecoveryTables(db) }},
	}

	results := make([]CheckResult, len(checks))
	g, _ := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			passed, msg := c.fn()
			results[i] = CheckResult{Name: c.name, Passed: passed, Message: msg, Required: c.required}
			return nil
		})
	}
	g.Wait()

	return Report{Mode: mode, Results: results, Duration: time.Since(start)}
}

func checkDBExists(path string) (bool, string) {
	if path == "" {
		return false, "no database path configured"
	}
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Sprintf("database file missing: %v", err)
	}
	return true, "database file present"
}

func checkWALMode(db *sql.DB) (bool, string) {
	if db == nil {
		return false, "no database handle"
	}
	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		return false, fmt.Sprintf("failed to read journal_mode: %v", err)
	}
	if mode != "wal" {
		return false, fmt.Sprintf("journal_mode is %q, want wal", mode)
	}
	return true, "journal_mode=wal"
}

const minBusyTimeoutMillis = 5000

func checkBusyTimeout(db *sql.DB) (bool, string) {
	if db == nil {
		return false, "no database handle"
	}
	var ms int
	if err := db.QueryRow(`PRAGMA busy_timeout`).Scan(&ms); err != nil {
		return false, fmt.Sprintf("failed to read busy_timeout: %v", err)
	}
	if ms < minBusyTimeoutMillis {
		return false, fmt.Sprintf("busy_timeout is %dms, want >= %dms", ms, minBusyTimeoutMillis)
	}
	return true, fmt.Sprintf("busy_timeout=%dms", ms)
}

func checkSchemaVersion(db *sql.DB) (bool, string) {
	if db == nil {
		return false, "no database handle"
	}
	version, err := migrate.CurrentVersion(db)
	if err != nil {
		return false, fmt.Sprintf("failed to read schema_version: %v", err)
	}
	if version == 0 {
		return false, "no migrations applied"
	}
	return true, fmt.Sprintf("schema_version=%d", version)
}

var requiredTables = []string{
	"tasks", "task_runs", "task_repo_scope", "task_state_transitions",
	"task_events", "task_audits", "file_locks", "checkpoints",
}

func checkRecoveryTables(db *sql.DB) (bool, string) {
	if db == nil {
		return false, "no database handle"
	}
	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			return false, fmt.Sprintf("failed to check table %s: %v", table, err)
		}
		if count == 0 {
			return false, fmt.Sprintf("required table %s missing", table)
		}
	}
	return true, "all recovery tables present"
}

package migrate

import (
	"database/sql"
	"fmt"
)

// DefaultBackfills returns the backfill verification functions paired
// with their migration versions. A data-backfill migration's SQL does
// the actual UPDATE; the paired function here re-checks the result and
// reports how many rows it touched, recorded into that version's
// schema_version.metadata (spec.md §4.12).
func DefaultBackfills() map[int]func(tx *sql.Tx) (int64, error) {
	return map[int]func(tx *sql.Tx) (int64, error){
		2: verifyExecutionModeBackfill,
	}
}

// verifyExecutionModeBackfill confirms 0002's UPDATE left no task_runs
// row with an empty execution_mode, and reports how many rows now carry
// the "legacy" value it assigned.
func verifyExecutionModeBackfill(tx *sql.Tx) (int64, error) {
	var remaining int64
	if err := tx.QueryRow(`SELECT count(*) FROM task_runs WHERE execution_mode = ''`).Scan(&remaining); err != nil {
		return 0, err
	}
	if remaining > 0 {
		return 0, fmt.Errorf("%d task_runs rows still have an empty execution_mode after backfill", remaining)
	}

	var backfilled int64
	if err := tx.QueryRow(`SELECT count(*) FROM task_runs WHERE execution_mode = 'legacy'`).Scan(&backfilled); err != nil {
		return 0, err
	}
	return backfilled, nil
}

// Package locks implements the Lock Manager (C4): task leases and
// file-path leases, both backed by the write serializer so acquisition
// is race-free across processes sharing one database file.
package locks

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/logging"
)

// LockConflict reports that a lease could not be acquired because it is
// already held by someone else and not yet expired.
type LockConflict struct {
	Resource string
	Holder   string
}

func (e *LockConflict) Error() string {
	return fmt.Sprintf("locks: %s is held by %s", e.Resource, e.Holder)
}

// Token identifies a granted lease so it can be renewed or released
// without re-specifying what it covers.
type Token string

func newToken(prefix string) Token {
	return Token(fmt.Sprintf("%s:%s", prefix, uuid.NewString()))
}

// TaskLockManager grants exclusive leases on a task's run slot, mirroring
// the original acquire/renew/release/LockConflict contract (spec.md §4.4).
type TaskLockManager struct {
	writer *dbwriter.Writer
}

// NewTaskLockManager wraps a writer already opened for the owning
// database (internal/dbwriter.Get).
func NewTaskLockManager(w *dbwriter.Writer) *TaskLockManager {
	return &TaskLockManager{writer: w}
}

// Acquire grants holder an exclusive, time-bounded lease over taskID's
// active run, moving it to running. It fails with *LockConflict if an
// unexpired lease is already held by someone else, and with a plain error
// if no queued/waiting_lock run exists to acquire.
func (m *TaskLockManager) Acquire(ctx context.Context, taskID, holder string, ttl time.Duration) (Token, error) {
	token := newToken("task")
	now := time.Now().UTC()
	until := now.Add(ttl)

	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		held, err := tx.Query(
			`SELECT lease_holder, lease_until FROM task_runs
			 WHERE task_id = ? AND lease_holder IS NOT NULL AND lease_holder != ? AND lease_until IS NOT NULL`,
			taskID, holder,
		)
		if err != nil {
			return nil, err
		}
		for held.Next() {
			var h, u string
			if err := held.Scan(&h, &u); err != nil {
				held.Close()
				return nil, err
			}
			if expiry, perr := time.Parse(time.RFC3339Nano, u); perr == nil && expiry.After(now) {
				held.Close()
				return nil, &LockConflict{Resource: fmt.Sprintf("task:%s", taskID), Holder: h}
			}
		}
		held.Close()

		var runID int64
		var status string
		var leaseHolder sql.NullString
		var leaseUntil sql.NullString
		err = tx.QueryRow(
			`SELECT id, status, lease_holder, lease_until FROM task_runs
			 WHERE task_id = ? AND status IN ('queued', 'waiting_lock')
			 ORDER BY id DESC LIMIT 1`,
			taskID,
		).Scan(&runID, &status, &leaseHolder, &leaseUntil)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("locks: no acquirable run for task %s", taskID)
		}
		if err != nil {
			return nil, err
		}

		if leaseHolder.Valid && leaseUntil.Valid {
			expiry, perr := time.Parse(time.RFC3339Nano, leaseUntil.String)
			if perr == nil && expiry.After(now) && leaseHolder.String != holder {
				return nil, &LockConflict{Resource: fmt.Sprintf("task:%s", taskID), Holder: leaseHolder.String}
			}
		}

		res, err := tx.Exec(
			`UPDATE task_runs SET status = 'running', lease_holder = ?, lease_until = ?
			 WHERE id = ? AND (lease_holder IS NULL OR lease_holder = ? OR lease_until < ?)`,
			holder, until.Format(time.RFC3339Nano), runID, holder, now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, &LockConflict{Resource: fmt.Sprintf("task:%s", taskID), Holder: "unknown"}
		}
		return runID, nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Renew extends an already-granted task lease's expiry, verifying the
// caller still presents the same holder that acquired it.
func (m *TaskLockManager) Renew(ctx context.Context, taskID, holder string, ttl time.Duration) error {
	until := time.Now().UTC().Add(ttl)
	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		res, err := tx.Exec(
			`UPDATE task_runs SET lease_until = ?
			 WHERE task_id = ? AND lease_holder = ? AND status = 'running'`,
			until.Format(time.RFC3339Nano), taskID, holder,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, &LockConflict{Resource: fmt.Sprintf("task:%s", taskID), Holder: holder}
		}
		return nil, nil
	})
	return err
}

// Release clears a task's lease and reverts it to queued if it was
// running under that holder.
func (m *TaskLockManager) Release(ctx context.Context, taskID, holder string) error {
	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(
			`UPDATE task_runs SET lease_holder = NULL, lease_until = NULL, status = 'queued'
			 WHERE task_id = ? AND lease_holder = ? AND status = 'running'`,
			taskID, holder,
		)
		return nil, err
	})
	return err
}

// FileLockManager grants exclusive, multi-path leases over files within a
// repo root, matching the original atomic-across-all-paths acquisition
// contract (spec.md §4.4).
type FileLockManager struct {
	writer *dbwriter.Writer
}

func NewFileLockManager(w *dbwriter.Writer) *FileLockManager {
	return &FileLockManager{writer: w}
}

// AcquirePaths grants holder an exclusive lease over every path in paths,
// atomically: if any path is already held by someone else and unexpired,
// none are granted.
func (m *FileLockManager) AcquirePaths(ctx context.Context, taskID string, runID int64, holder string, repoRoot string, paths []string, ttl time.Duration, metadataJSON string) (Token, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("locks: AcquirePaths requires at least one path")
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	token := Token(fmt.Sprintf("files:%s:%d", taskID, runID))
	now := time.Now().UTC()
	until := now.Add(ttl)

	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		for _, p := range sorted {
			var lockedByTask string
			var lockedByRun int64
			var expiresAt string
			err := tx.QueryRow(
				`SELECT locked_by_task, locked_by_run, expires_at FROM file_locks
				 WHERE repo_root = ? AND file_path = ?`,
				repoRoot, p,
			).Scan(&lockedByTask, &lockedByRun, &expiresAt)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, err
			}
			expiry, perr := time.Parse(time.RFC3339Nano, expiresAt)
			if perr == nil && expiry.After(now) && lockedByTask != taskID {
				return nil, &LockConflict{Resource: fmt.Sprintf("%s:%s", repoRoot, p), Holder: lockedByTask}
			}
		}

		for _, p := range sorted {
			_, err := tx.Exec(
				`INSERT INTO file_locks (repo_root, file_path, locked_by_task, locked_by_run, expires_at, metadata)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(repo_root, file_path) DO UPDATE SET
				   locked_by_task = excluded.locked_by_task,
				   locked_by_run  = excluded.locked_by_run,
				   expires_at     = excluded.expires_at,
				   metadata       = excluded.metadata`,
				repoRoot, p, taskID, runID, until.Format(time.RFC3339Nano), metadataJSON,
			)
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ReleasePaths releases every path held under the given run within a
// repo root.
func (m *FileLockManager) ReleasePaths(ctx context.Context, repoRoot string, runID int64) error {
	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(`DELETE FROM file_locks WHERE repo_root = ? AND locked_by_run = ?`, repoRoot, runID)
		return nil, err
	})
	return err
}

// Owner returns the task currently holding an unexpired lease on path, or
// "" if it is free.
func (m *FileLockManager) Owner(ctx context.Context, repoRoot, path string) (string, error) {
	v, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		var lockedByTask string
		var expiresAt string
		err := tx.QueryRow(
			`SELECT locked_by_task, expires_at FROM file_locks WHERE repo_root = ? AND file_path = ?`,
			repoRoot, path,
		).Scan(&lockedByTask, &expiresAt)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return nil, err
		}
		expiry, perr := time.Parse(time.RFC3339Nano, expiresAt)
		if perr == nil && expiry.Before(time.Now().UTC()) {
			return "", nil
		}
		return lockedByTask, nil
	})
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Reaper periodically fails expired task leases and releases expired file
// leases so a holder that crashed without calling Release doesn't block
// work forever.
type Reaper struct {
	writer   *dbwriter.Writer
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewReaper(w *dbwriter.Writer, interval time.Duration) *Reaper {
	return &Reaper{writer: w, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	log := logging.WithComponent("lock-reaper")
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.sweep(ctx); err != nil {
					log.Warn().Err(err).Msg("lock reaper sweep failed")
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sweep matches cleanup_expired_locks in the original task_lock.py: an
// expired run is failed outright (status='failed', error='Lock expired'),
// not silently re-queued, since its holder crashed mid-run and whatever
// partial work it left behind can't be assumed safe to resume.
func (r *Reaper) sweep(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		if _, err := tx.Exec(
			`UPDATE task_runs SET lease_holder = NULL, lease_until = NULL, status = 'failed', error = 'Lock expired'
			 WHERE lease_until IS NOT NULL AND lease_until < ? AND status = 'running'`,
			now,
		); err != nil {
			return nil, err
		}
		_, err := tx.Exec(`DELETE FROM file_locks WHERE expires_at < ?`, now)
		return nil, err
	})
	return err
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// Package checkpoint implements the Checkpoint Engine (C6): the
// two-phase begin_step/commit_step lifecycle, monotonic per-task
// sequencing, and rollback lookups, grounded on the original
// CheckpointManager (spec.md §4.6).
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/substrate/internal/audit"
	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/evidence"
	"github.com/agentcore/substrate/internal/model"
)

// Error wraps a checkpoint operation failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("checkpoint: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// pendingStep is an in-memory, not-yet-persisted step started by
// BeginStep. It only becomes durable once CommitStep runs.
type pendingStep struct {
	stepID string
	taskID string
	opened time.Time
}

// Manager coordinates checkpoint creation, verification and lookup for
// one database.
type Manager struct {
	writer *dbwriter.Writer
	log    *audit.Log

	mu      sync.Mutex
	pending map[string]pendingStep

	autoVerify bool
}

// NewManager constructs a Manager backed by writer. autoVerify mirrors
// the original's behavior of verifying a checkpoint's evidence pack
// immediately upon commit. log records the checkpoint_begin/checkpoint_commit
// events each step emits (spec.md §4.6, C8).
func NewManager(w *dbwriter.Writer, log *audit.Log, autoVerify bool) *Manager {
	return &Manager{writer: w, log: log, pending: map[string]pendingStep{}, autoVerify: autoVerify}
}

// BeginStep opens a new step for taskID, emits a checkpoint_begin event via
// C8, and returns the step ID. Nothing about the step itself is persisted
// until CommitStep is called with this ID.
func (m *Manager) BeginStep(ctx context.Context, taskID string) (string, error) {
	stepID := uuid.NewString()
	m.mu.Lock()
	m.pending[stepID] = pendingStep{stepID: stepID, taskID: taskID, opened: time.Now().UTC()}
	m.mu.Unlock()

	if _, err := m.log.RecordEvent(ctx, taskID, "checkpoint_begin", map[string]any{"step_id": stepID}); err != nil {
		return "", &Error{Op: "begin_step", Err: err}
	}
	return stepID, nil
}

// CommitStep persists a checkpoint for a previously begun step, assigning
// it the next monotonic sequence number for its task and, if autoVerify
// is enabled, verifying its evidence pack immediately.
func (m *Manager) CommitStep(ctx context.Context, stepID string, checkpointType string, snapshot map[string]any, pack model.EvidencePack, metadata map[string]any) (*model.Checkpoint, error) {
	m.mu.Lock()
	step, ok := m.pending[stepID]
	if ok {
		delete(m.pending, stepID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, &Error{Op: "commit_step", Err: fmt.Errorf("no pending step %s (already committed or never begun)", stepID)}
	}

	if m.autoVerify {
		evidence.VerifyPack(&pack, m.writer.DB())
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, &Error{Op: "commit_step", Err: err}
	}
	packJSON, err := json.Marshal(pack)
	if err != nil {
		return nil, &Error{Op: "commit_step", Err: err}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, &Error{Op: "commit_step", Err: err}
	}

	checkpointID := uuid.NewString()
	now := time.Now().UTC()

	result, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		var seq int64
		err := tx.QueryRow(`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM checkpoints WHERE task_id = ?`, step.taskID).Scan(&seq)
		if err != nil {
			return nil, err
		}

		var lastVerifiedAt any
		if pack.IsVerified() {
			lastVerifiedAt = now.Format(time.RFC3339Nano)
		}

		_, err = tx.Exec(
			`INSERT INTO checkpoints (checkpoint_id, task_id, checkpoint_type, sequence_number, snapshot_data, evidence_pack, verified, last_verified_at, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			checkpointID, step.taskID, checkpointType, seq, string(snapshotJSON), string(packJSON), pack.IsVerified(), lastVerifiedAt, string(metadataJSON), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, err
		}

		var nextSeq int64
		err = tx.QueryRow(`SELECT COALESCE(MAX(event_seq), 0) + 1 FROM task_events WHERE task_id = ?`, step.taskID).Scan(&nextSeq)
		if err != nil {
			return nil, err
		}
		eventData, _ := json.Marshal(map[string]any{"checkpoint_id": checkpointID, "sequence_number": seq})
		_, err = tx.Exec(
			`INSERT INTO task_events (task_id, event_type, event_seq, event_data, created_at) VALUES (?, 'checkpoint_commit', ?, ?, ?)`,
			step.taskID, nextSeq, string(eventData), now.Format(time.RFC3339Nano),
		)
		return seq, err
	})
	if err != nil {
		return nil, &Error{Op: "commit_step", Err: err}
	}
	seq, _ := result.(int64)

	return &model.Checkpoint{
		CheckpointID:   checkpointID,
		TaskID:         step.taskID,
		CheckpointType: checkpointType,
		SequenceNumber: seq,
		SnapshotData:   snapshot,
		EvidencePack:   pack,
		Verified:       pack.IsVerified(),
		Metadata:       metadata,
		CreatedAt:      now,
	}, nil
}

// RecordPatch appends a patch row for the file changes a run produced at
// stepID (spec.md §3, §4.8). diffHash is the caller-computed digest of
// the patch content; Patch carries no invariant checking of its own
// beyond association with a run.
func (m *Manager) RecordPatch(ctx context.Context, runID int64, stepID *string, intent string, affectedPaths []string, diffHash string) (*model.Patch, error) {
	p := model.Patch{
		PatchID:       uuid.NewString(),
		RunID:         runID,
		StepID:        stepID,
		Intent:        intent,
		AffectedPaths: affectedPaths,
		DiffHash:      diffHash,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.log.RecordPatch(ctx, p); err != nil {
		return nil, &Error{Op: "record_patch", Err: err}
	}
	return &p, nil
}

// LinkCommit ties a previously recorded patch to the VCS commit that
// landed it.
func (m *Manager) LinkCommit(ctx context.Context, patchID, commitHash, message, repoRoot string) (*model.CommitLink, error) {
	c := model.CommitLink{
		PatchID:     patchID,
		CommitHash:  commitHash,
		Message:     message,
		CommittedAt: time.Now().UTC(),
		RepoRoot:    repoRoot,
	}
	if err := m.log.RecordCommitLink(ctx, c); err != nil {
		return nil, &Error{Op: "link_commit", Err: err}
	}
	return &c, nil
}

// Patches returns every patch recorded for a run, oldest first.
func (m *Manager) Patches(ctx context.Context, runID int64) ([]model.Patch, error) {
	patches, err := m.log.Patches(ctx, runID)
	if err != nil {
		return nil, &Error{Op: "patches", Err: err}
	}
	return patches, nil
}

// Get fetches one checkpoint by ID.
func (m *Manager) Get(ctx context.Context, checkpointID string) (*model.Checkpoint, error) {
	v, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		return scanCheckpoint(tx.QueryRow(
			`SELECT checkpoint_id, task_id, checkpoint_type, sequence_number, snapshot_data, evidence_pack, verified, last_verified_at, metadata, created_at
			 FROM checkpoints WHERE checkpoint_id = ?`, checkpointID,
		))
	})
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	cp, _ := v.(*model.Checkpoint)
	return cp, nil
}

// ListCheckpoints returns every checkpoint for a task ordered oldest-first.
func (m *Manager) ListCheckpoints(ctx context.Context, taskID string) ([]*model.Checkpoint, error) {
	v, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		rows, err := tx.Query(
			`SELECT checkpoint_id, task_id, checkpoint_type, sequence_number, snapshot_data, evidence_pack, verified, last_verified_at, metadata, created_at
			 FROM checkpoints WHERE task_id = ? ORDER BY sequence_number ASC`, taskID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*model.Checkpoint
		for rows.Next() {
			cp, err := scanCheckpointRows(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "list_checkpoints", Err: err}
	}
	cps, _ := v.([]*model.Checkpoint)
	return cps, nil
}

// GetLastVerifiedCheckpoint returns the most recent checkpoint (optionally
// filtered by type) whose evidence pack verified, iterating newest-first
// as the original does.
func (m *Manager) GetLastVerifiedCheckpoint(ctx context.Context, taskID string, checkpointType string) (*model.Checkpoint, error) {
	v, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		query := `SELECT checkpoint_id, task_id, checkpoint_type, sequence_number, snapshot_data, evidence_pack, verified, last_verified_at, metadata, created_at
			 FROM checkpoints WHERE task_id = ? AND verified = 1`
		args := []any{taskID}
		if checkpointType != "" {
			query += ` AND checkpoint_type = ?`
			args = append(args, checkpointType)
		}
		query += ` ORDER BY sequence_number DESC`

		rows, err := tx.Query(query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			cp, err := scanCheckpointRows(rows)
			if err != nil {
				return nil, err
			}
			if cp.EvidencePack.IsVerified() {
				return cp, nil
			}
		}
		return nil, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "get_last_verified_checkpoint", Err: err}
	}
	cp, _ := v.(*model.Checkpoint)
	return cp, nil
}

// RollbackToCheckpoint re-runs evidence verification of the checkpoint's
// pack and returns its snapshot data; it never mutates any state itself,
// leaving the actual rollback
// mechanics (e.g. restoring files, resetting repo state) to the caller.
func (m *Manager) RollbackToCheckpoint(ctx context.Context, checkpointID string) (map[string]any, error) {
	cp, err := m.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, &Error{Op: "rollback_to_checkpoint", Err: fmt.Errorf("checkpoint %s not found", checkpointID)}
	}
	if !evidence.VerifyPack(&cp.EvidencePack, m.writer.DB()) {
		return nil, &Error{Op: "rollback_to_checkpoint", Err: fmt.Errorf("checkpoint %s has not passed evidence verification", checkpointID)}
	}
	return cp.SnapshotData, nil
}

// DeleteCheckpoint removes a checkpoint row outright.
func (m *Manager) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(`DELETE FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
		return nil, err
	})
	if err != nil {
		return &Error{Op: "delete_checkpoint", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row *sql.Row) (*model.Checkpoint, error) {
	return scanCheckpointRows(row)
}

func scanCheckpointRows(row rowScanner) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var snapshotJSON, packJSON, metadataJSON string
	var verified bool
	var lastVerifiedAt sql.NullString
	var createdAt string

	err := row.Scan(&cp.CheckpointID, &cp.TaskID, &cp.CheckpointType, &cp.SequenceNumber, &snapshotJSON, &packJSON, &verified, &lastVerifiedAt, &metadataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshotJSON), &cp.SnapshotData); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(packJSON), &cp.EvidencePack); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &cp.Metadata); err != nil {
		return nil, err
	}
	cp.Verified = verified
	if lastVerifiedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastVerifiedAt.String)
		if err == nil {
			cp.LastVerifiedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		cp.CreatedAt = t
	}
	return &cp, nil
}

// Package audit implements the Audit/Event Log (C8): append-only state
// transitions, events, and diagnostic audits. Events are assigned a
// monotonic per-task sequence (event_seq) inside the same write transaction
// that inserts them; transitions and audits carry no sequence number.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/model"
)

// Error wraps an audit log operation failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("audit: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Log appends transitions, events, and audits for one database.
type Log struct {
	writer *dbwriter.Writer
}

func NewLog(w *dbwriter.Writer) *Log {
	return &Log{writer: w}
}

// InsertTransitionTx appends a task status change using tx. Exported so
// callers that must fold a transition into a larger write closure (e.g.
// tasklifecycle.Transition, which updates the task row and emits an
// event in the same transaction) don't have to open a second one.
func InsertTransitionTx(tx *sql.Tx, t model.StateTransition) error {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO task_state_transitions (task_id, from_status, to_status, actor, reason, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, string(t.FromStatus), string(t.ToStatus), t.Actor, t.Reason, string(metaJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// InsertEventTx appends an event using tx, assigning it the next
// event_seq for its task.
func InsertEventTx(tx *sql.Tx, taskID, eventType string, data map[string]any) (int64, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(event_seq), 0) + 1 FROM task_events WHERE task_id = ?`, taskID).Scan(&seq); err != nil {
		return 0, err
	}
	_, err = tx.Exec(
		`INSERT INTO task_events (task_id, event_type, event_seq, event_data, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, eventType, seq, string(dataJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return seq, err
}

// InsertAuditTx appends a diagnostic audit row using tx.
func InsertAuditTx(tx *sql.Tx, a model.Audit) error {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO task_audits (task_id, level, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.TaskID, string(a.Level), a.EventType, string(payloadJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// InsertPatchTx appends a patch row using tx.
func InsertPatchTx(tx *sql.Tx, p model.Patch) error {
	pathsJSON, err := json.Marshal(p.AffectedPaths)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO patches (patch_id, run_id, step_id, intent, affected_paths, diff_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.PatchID, p.RunID, p.StepID, p.Intent, string(pathsJSON), p.DiffHash, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// InsertCommitLinkTx appends a commit_link row using tx.
func InsertCommitLinkTx(tx *sql.Tx, c model.CommitLink) error {
	_, err := tx.Exec(
		`INSERT INTO commit_links (patch_id, commit_hash, message, committed_at, repo_root) VALUES (?, ?, ?, ?, ?)`,
		c.PatchID, c.CommitHash, c.Message, c.CommittedAt.UTC().Format(time.RFC3339Nano), c.RepoRoot,
	)
	return err
}

// RecordTransition appends a task status change.
func (l *Log) RecordTransition(ctx context.Context, t model.StateTransition) error {
	_, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		return nil, InsertTransitionTx(tx, t)
	})
	if err != nil {
		return &Error{Op: "record_transition", Err: err}
	}
	return nil
}

// RecordEvent appends an event, assigning it the next event_seq for its
// task within the same transaction as the insert.
func (l *Log) RecordEvent(ctx context.Context, taskID, eventType string, data map[string]any) (int64, error) {
	v, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		return InsertEventTx(tx, taskID, eventType, data)
	})
	if err != nil {
		return 0, &Error{Op: "record_event", Err: err}
	}
	seq, _ := v.(int64)
	return seq, nil
}

// RecordAudit appends a diagnostic audit row.
func (l *Log) RecordAudit(ctx context.Context, a model.Audit) error {
	_, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		return nil, InsertAuditTx(tx, a)
	})
	if err != nil {
		return &Error{Op: "record_audit", Err: err}
	}
	return nil
}

// RecordPatch appends a patch row for a run's file changes (spec.md §3,
// §4.8).
func (l *Log) RecordPatch(ctx context.Context, p model.Patch) error {
	_, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		return nil, InsertPatchTx(tx, p)
	})
	if err != nil {
		return &Error{Op: "record_patch", Err: err}
	}
	return nil
}

// RecordCommitLink appends a commit_link row tying a patch to the VCS
// commit that landed it.
func (l *Log) RecordCommitLink(ctx context.Context, c model.CommitLink) error {
	_, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		return nil, InsertCommitLinkTx(tx, c)
	})
	if err != nil {
		return &Error{Op: "record_commit_link", Err: err}
	}
	return nil
}

// Patches returns every patch recorded for a run, oldest first.
func (l *Log) Patches(ctx context.Context, runID int64) ([]model.Patch, error) {
	v, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		rows, err := tx.Query(
			`SELECT patch_id, run_id, step_id, intent, affected_paths, diff_hash, created_at
			 FROM patches WHERE run_id = ? ORDER BY created_at ASC`, runID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.Patch
		for rows.Next() {
			var p model.Patch
			var stepID sql.NullString
			var pathsJSON, createdAt string
			if err := rows.Scan(&p.PatchID, &p.RunID, &stepID, &p.Intent, &pathsJSON, &p.DiffHash, &createdAt); err != nil {
				return nil, err
			}
			if stepID.Valid {
				p.StepID = &stepID.String
			}
			json.Unmarshal([]byte(pathsJSON), &p.AffectedPaths)
			p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			out = append(out, p)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "patches", Err: err}
	}
	out, _ := v.([]model.Patch)
	return out, nil
}

// Transitions returns every transition for a task, oldest first.
func (l *Log) Transitions(ctx context.Context, taskID string) ([]model.StateTransition, error) {
	v, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		rows, err := tx.Query(
			`SELECT task_id, from_status, to_status, actor, reason, metadata, created_at
			 FROM task_state_transitions WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.StateTransition
		for rows.Next() {
			var t model.StateTransition
			var from, to, metaJSON, createdAt string
			if err := rows.Scan(&t.TaskID, &from, &to, &t.Actor, &t.Reason, &metaJSON, &createdAt); err != nil {
				return nil, err
			}
			t.FromStatus = model.TaskStatus(from)
			t.ToStatus = model.TaskStatus(to)
			json.Unmarshal([]byte(metaJSON), &t.Metadata)
			t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			out = append(out, t)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "transitions", Err: err}
	}
	out, _ := v.([]model.StateTransition)
	return out, nil
}

// Events returns every event for a task, ordered by event_seq.
func (l *Log) Events(ctx context.Context, taskID string) ([]model.Event, error) {
	v, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		rows, err := tx.Query(
			`SELECT task_id, event_type, event_seq, event_data, created_at
			 FROM task_events WHERE task_id = ? ORDER BY event_seq ASC`, taskID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.Event
		for rows.Next() {
			var e model.Event
			var dataJSON, createdAt string
			if err := rows.Scan(&e.TaskID, &e.EventType, &e.EventSeq, &dataJSON, &createdAt); err != nil {
				return nil, err
			}
			json.Unmarshal([]byte(dataJSON), &e.EventData)
			e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			out = append(out, e)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "events", Err: err}
	}
	out, _ := v.([]model.Event)
	return out, nil
}

// Audits returns every diagnostic audit for a task, oldest first.
func (l *Log) Audits(ctx context.Context, taskID string) ([]model.Audit, error) {
	v, err := l.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		rows, err := tx.Query(
			`SELECT task_id, level, event_type, payload, created_at
			 FROM task_audits WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.Audit
		for rows.Next() {
			var a model.Audit
			var level, payloadJSON, createdAt string
			if err := rows.Scan(&a.TaskID, &level, &a.EventType, &payloadJSON, &createdAt); err != nil {
				return nil, err
			}
			a.Level = model.AuditLevel(level)
			json.Unmarshal([]byte(payloadJSON), &a.Payload)
			a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			out = append(out, a)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "audits", Err: err}
	}
	out, _ := v.([]model.Audit)
	return out, nil
}

// Package tasklifecycle implements the Task Lifecycle (C9): the legal
// state-transition table, retry bookkeeping, and the terminal-state/
// exit-reason invariant (spec.md §4.9).
package tasklifecycle

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentcore/substrate/internal/audit"
	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/model"
)

// TransitionError reports an attempted transition the state machine
// doesn't allow.
type TransitionError struct {
	TaskID string
	From   model.TaskStatus
	To     model.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("tasklifecycle: task %s cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

// legalTransitions is the closed set of allowed status changes. A task
// that reaches a terminal status never appears as a "from" key again.
var legalTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskQueued:      {model.TaskWaitingLock, model.TaskRunning, model.TaskCancelled},
	model.TaskWaitingLock: {model.TaskRunning, model.TaskCancelled, model.TaskTimedOut},
	model.TaskRunning:     {model.TaskPaused, model.TaskSucceeded, model.TaskFailed, model.TaskCancelled, model.TaskTimedOut},
	model.TaskPaused:      {model.TaskRunning, model.TaskCancelled, model.TaskTimedOut},
}

func isLegal(from, to model.TaskStatus) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Manager drives task status changes and enforces the exit-reason
// invariant: (status == terminal) ⇒ exit_reason != nil.
type Manager struct {
	writer *dbwriter.Writer
	log    *audit.Log
}

func NewManager(w *dbwriter.Writer, log *audit.Log) *Manager {
	return &Manager{writer: w, log: log}
}

// Transition moves a task from its current status to "to", folding the
// task-row update, the state-transition row, and the emitted event into
// a single write closure so the three effects are atomic (spec.md
// §4.9). actor identifies who requested the change (e.g. "scheduler",
// "worker:abc123"). Entering running additionally resolves the task's
// project settings and records their hash as an audit event.
func (m *Manager) Transition(ctx context.Context, taskID string, to model.TaskStatus, actor, reason string, exitReason *string) error {
	if to.IsTerminal() && (exitReason == nil || *exitReason == "") {
		return fmt.Errorf("tasklifecycle: terminal status %s requires a non-empty exit_reason", to)
	}

	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		var status string
		var projectID sql.NullString
		if err := tx.QueryRow(`SELECT status, project_id FROM tasks WHERE task_id = ?`, taskID).Scan(&status, &projectID); err != nil {
			return nil, err
		}
		from := model.TaskStatus(status)
		if !isLegal(from, to) {
			return nil, &TransitionError{TaskID: taskID, From: from, To: to}
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.Exec(
			`UPDATE tasks SET status = ?, exit_reason = ?, updated_at = ? WHERE task_id = ?`,
			string(to), exitReason, now, taskID,
		); err != nil {
			return nil, err
		}

		if err := audit.InsertTransitionTx(tx, model.StateTransition{
			TaskID: taskID, FromStatus: from, ToStatus: to, Actor: actor, Reason: reason,
		}); err != nil {
			return nil, err
		}

		eventData := map[string]any{"from": string(from), "to": string(to), "actor": actor, "reason": reason}
		if _, err := audit.InsertEventTx(tx, taskID, "task_transition", eventData); err != nil {
			return nil, err
		}

		if to == model.TaskRunning && projectID.Valid {
			hash, err := resolveProjectSettingsHashTx(tx, projectID.String)
			if err != nil {
				return nil, err
			}
			if hash != "" {
				if _, err := audit.InsertEventTx(tx, taskID, "project_settings_resolved", map[string]any{
					"project_id":    projectID.String,
					"settings_hash": hash,
				}); err != nil {
					return nil, err
				}
			}
		}

		return nil, nil
	})
	return err
}

// resolveProjectSettingsHashTx looks up a project's settings and returns
// the hex SHA-256 of their canonical JSON encoding, or "" if the project
// has no row.
func resolveProjectSettingsHashTx(tx *sql.Tx, projectID string) (string, error) {
	var settingsJSON string
	err := tx.QueryRow(`SELECT settings FROM projects WHERE project_id = ?`, projectID).Scan(&settingsJSON)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var settings map[string]any
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// RequestRetry increments a task's retry count and moves it back to
// queued, provided it hasn't exceeded max_retries.
func (m *Manager) RequestRetry(ctx context.Context, taskID, actor, reason string) error {
	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		var retryCount, maxRetries int
		var status string
		err := tx.QueryRow(`SELECT status, retry_count, max_retries FROM tasks WHERE task_id = ?`, taskID).Scan(&status, &retryCount, &maxRetries)
		if err != nil {
			return nil, err
		}
		if retryCount >= maxRetries {
			return nil, fmt.Errorf("tasklifecycle: task %s has exhausted its %d retries", taskID, maxRetries)
		}
		from := model.TaskStatus(status)

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.Exec(
			`UPDATE tasks SET status = 'queued', retry_count = retry_count + 1, exit_reason = NULL, updated_at = ? WHERE task_id = ?`,
			now, taskID,
		); err != nil {
			return nil, err
		}

		if err := audit.InsertTransitionTx(tx, model.StateTransition{
			TaskID: taskID, FromStatus: from, ToStatus: model.TaskQueued, Actor: actor, Reason: reason,
		}); err != nil {
			return nil, err
		}

		eventData := map[string]any{"from": string(from), "to": string(model.TaskQueued), "actor": actor, "reason": reason}
		_, err = audit.InsertEventTx(tx, taskID, "task_transition", eventData)
		return nil, err
	})
	return err
}

// Get fetches a task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (*model.Task, error) {
	v, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		var t model.Task
		var status string
		var exitReason, projectID sql.NullString
		var createdAt, updatedAt string
		err := tx.QueryRow(
			`SELECT task_id, title, description, status, priority, exit_reason, retry_count, max_retries, project_id, created_at, updated_at
			 FROM tasks WHERE task_id = ?`, taskID,
		).Scan(&t.TaskID, &t.Title, &t.Description, &status, &t.Priority, &exitReason, &t.RetryCount, &t.MaxRetries, &projectID, &createdAt, &updatedAt)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		t.Status = model.TaskStatus(status)
		if exitReason.Valid {
			t.ExitReason = &exitReason.String
		}
		if projectID.Valid {
			t.ProjectID = &projectID.String
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		return &t, nil
	})
	if err != nil {
		return nil, err
	}
	t, _ := v.(*model.Task)
	return t, nil
}

// Transitions returns every transition recorded for a task, oldest first.
func (m *Manager) Transitions(ctx context.Context, taskID string) ([]model.StateTransition, error) {
	return m.log.Transitions(ctx, taskID)
}

// Create inserts a new task in the queued state.
func (m *Manager) Create(ctx context.Context, t model.Task) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := m.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(
			`INSERT INTO tasks (task_id, title, description, status, priority, max_retries, project_id, created_at, updated_at)
			 VALUES (?, ?, ?, 'queued', ?, ?, ?, ?, ?)`,
			t.TaskID, t.Title, t.Description, t.Priority, t.MaxRetries, t.ProjectID, now, now,
		)
		return nil, err
	})
	return err
}

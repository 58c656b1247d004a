package tasklifecycle

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcore/substrate/internal/audit"
	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/model"
)

func newTestManager(t *testing.T) (*Manager, *dbwriter.Writer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sqlite")

	w, err := dbwriter.Get(path, time.Second)
	if err != nil {
		t.Fatalf("dbwriter.Get() error: %v", err)
	}
	t.Cleanup(w.Stop)

	_, err = w.Submit(context.Background(), func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(`
			CREATE TABLE tasks (
				task_id TEXT PRIMARY KEY, title TEXT NOT NULL, description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'queued', priority INTEGER NOT NULL DEFAULT 0,
				exit_reason TEXT, retry_count INTEGER NOT NULL DEFAULT 0, max_retries INTEGER NOT NULL DEFAULT 0,
				project_id TEXT, metadata TEXT NOT NULL DEFAULT '{}', created_at TEXT NOT NULL, updated_at TEXT NOT NULL
			);
			CREATE TABLE task_state_transitions (
				id INTEGER PRIMARY KEY AUTOINCREMENT, task_id TEXT NOT NULL, from_status TEXT NOT NULL,
				to_status TEXT NOT NULL, actor TEXT NOT NULL, reason TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}', created_at TEXT NOT NULL
			);
			CREATE TABLE task_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT, task_id TEXT NOT NULL, event_type TEXT NOT NULL,
				event_seq INTEGER NOT NULL, event_data TEXT NOT NULL DEFAULT '{}', created_at TEXT NOT NULL,
				UNIQUE(task_id, event_seq)
			);
			CREATE TABLE projects (
				project_id TEXT PRIMARY KEY, name TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'active',
				default_repo_id TEXT, settings TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL, updated_at TEXT NOT NULL
			);
		`)
		return nil, err
	})
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewManager(w, audit.NewLog(w)), w
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	if err := m.Create(context.Background(), model.Task{TaskID: "t1", Title: "x", MaxRetries: 1}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	success := "success"
	err := m.Transition(context.Background(), "t1", model.TaskSucceeded, "scheduler", "", &success)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError for queued->succeeded without running, got %v", err)
	}
}

func TestTransitionRequiresExitReasonForTerminal(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	if err := m.Create(context.Background(), model.Task{TaskID: "t1", Title: "x", MaxRetries: 1}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := m.Transition(context.Background(), "t1", model.TaskRunning, "scheduler", "", nil); err != nil {
		t.Fatalf("Transition() to running error: %v", err)
	}

	err := m.Transition(context.Background(), "t1", model.TaskFailed, "worker", "", nil)
	if err == nil {
		t.Fatal("expected error transitioning to failed without exit_reason")
	}

	reason := "build step exited 1"
	if err := m.Transition(context.Background(), "t1", model.TaskFailed, "worker", "build failed", &reason); err != nil {
		t.Fatalf("Transition() with exit_reason error: %v", err)
	}

	task, err := m.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if task.Status != model.TaskFailed || task.ExitReason == nil || *task.ExitReason != reason {
		t.Errorf("task = %+v", task)
	}
}

func TestTransitionEmitsEventWithTransition(t *testing.T) {
	t.Parallel()
	m, w := newTestManager(t)
	if err := m.Create(context.Background(), model.Task{TaskID: "t1", Title: "x", MaxRetries: 1}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := m.Transition(context.Background(), "t1", model.TaskRunning, "scheduler", "dispatch", nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	log := audit.NewLog(w)
	events, err := log.Events(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "task_transition" {
		t.Fatalf("events = %+v, want one task_transition event", events)
	}

	transitions, err := log.Transitions(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Transitions() error: %v", err)
	}
	if len(transitions) != 1 || transitions[0].ToStatus != model.TaskRunning {
		t.Errorf("transitions = %+v, want one transition to running", transitions)
	}
}

func TestTransitionToRunningRecordsProjectSettingsHash(t *testing.T) {
	t.Parallel()
	m, w := newTestManager(t)
	projectID := "proj-1"
	_, err := w.Submit(context.Background(), func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(
			`INSERT INTO projects (project_id, name, settings, created_at, updated_at) VALUES (?, 'p', '{"max_parallel":3}', ?, ?)`,
			projectID, time.Now().UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
		)
		return nil, err
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := m.Create(context.Background(), model.Task{TaskID: "t1", Title: "x", MaxRetries: 1, ProjectID: &projectID}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := m.Transition(context.Background(), "t1", model.TaskRunning, "scheduler", "dispatch", nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	log := audit.NewLog(w)
	events, err := log.Events(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	var found bool
	for _, e := range events {
		if e.EventType == "project_settings_resolved" {
			found = true
			if e.EventData["settings_hash"] == "" {
				t.Error("settings_hash should not be empty")
			}
		}
	}
	if !found {
		t.Errorf("events = %+v, want a project_settings_resolved event", events)
	}
}

func TestRequestRetryRespectsMaxRetries(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	if err := m.Create(context.Background(), model.Task{TaskID: "t1", Title: "x", MaxRetries: 1}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := m.RequestRetry(context.Background(), "t1", "scheduler", "transient failure"); err != nil {
		t.Fatalf("RequestRetry() error: %v", err)
	}

	err := m.RequestRetry(context.Background(), "t1", "scheduler", "transient failure")
	if err == nil {
		t.Fatal("expected error exceeding max_retries")
	}
}

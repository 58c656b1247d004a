package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/model"
)

func newTestLog(t *testing.T) *Log {
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
			CREATE TABLE task_audits (
				id INTEGER PRIMARY KEY AUTOINCREMENT, task_id TEXT NOT NULL, level TEXT NOT NULL DEFAULT 'info',
				event_type TEXT NOT NULL, payload TEXT NOT NULL DEFAULT '{}', created_at TEXT NOT NULL
			);
		`)
		return nil, err
	})
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewLog(w)
}

func TestRecordEventAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()
	l := newTestLog(t)

	seq1, err := l.RecordEvent(context.Background(), "t1", "checkpoint_begin", nil)
	if err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}
	seq2, err := l.RecordEvent(context.Background(), "t1", "checkpoint_commit", nil)
	if err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Errorf("seq1=%d seq2=%d, want 1,2", seq1, seq2)
	}

	// A different task starts its own sequence from 1.
	seqOther, err := l.RecordEvent(context.Background(), "t2", "checkpoint_begin", nil)
	if err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}
	if seqOther != 1 {
		t.Errorf("seqOther = %d, want 1 (per-task sequence)", seqOther)
	}
}

func TestRecordAndListTransitions(t *testing.T) {
	t.Parallel()
	l := newTestLog(t)

	err := l.RecordTransition(context.Background(), model.StateTransition{
		TaskID: "t1", FromStatus: model.TaskQueued, ToStatus: model.TaskRunning, Actor: "scheduler",
	})
	if err != nil {
		t.Fatalf("RecordTransition() error: %v", err)
	}

	transitions, err := l.Transitions(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Transitions() error: %v", err)
	}
	if len(transitions) != 1 || transitions[0].ToStatus != model.TaskRunning {
		t.Errorf("transitions = %+v", transitions)
	}
}

func TestRecordAndListAudits(t *testing.T) {
	t.Parallel()
	l := newTestLog(t)

	err := l.RecordAudit(context.Background(), model.Audit{TaskID: "t1", Level: model.AuditWarn, EventType: "retry_exhausted"})
	if err != nil {
		t.Fatalf("RecordAudit() error: %v", err)
	}

	audits, err := l.Audits(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Audits() error: %v", err)
	}
	if len(audits) != 1 || audits[0].Level != model.AuditWarn {
		t.Errorf("audits = %+v", audits)
	}
}

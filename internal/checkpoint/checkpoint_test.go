package checkpoint

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcore/substrate/internal/audit"
	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/model"
)

func newTestManager(t *testing.T, autoVerify bool) *Manager {
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
			CREATE TABLE checkpoints (
				checkpoint_id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				checkpoint_type TEXT NOT NULL,
				sequence_number INTEGER NOT NULL,
				snapshot_data TEXT NOT NULL,
				evidence_pack TEXT NOT NULL,
				verified INTEGER NOT NULL DEFAULT 0,
				last_verified_at TEXT,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL,
				UNIQUE(task_id, sequence_number)
			);
			CREATE TABLE task_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				event_seq INTEGER NOT NULL,
				event_data TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			);
			CREATE TABLE patches (
				patch_id TEXT PRIMARY KEY,
				run_id INTEGER NOT NULL,
				step_id TEXT,
				intent TEXT NOT NULL DEFAULT '',
				affected_paths TEXT NOT NULL DEFAULT '[]',
				diff_hash TEXT NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE TABLE commit_links (
				patch_id TEXT NOT NULL,
				commit_hash TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				committed_at TEXT NOT NULL,
				repo_root TEXT NOT NULL,
				PRIMARY KEY (patch_id, commit_hash)
			);
		`)
		return nil, err
	})
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewManager(w, audit.NewLog(w), autoVerify)
}

func beginStep(t *testing.T, m *Manager, taskID string) string {
	t.Helper()
	step, err := m.BeginStep(context.Background(), taskID)
	if err != nil {
		t.Fatalf("BeginStep() error: %v", err)
	}
	return step
}

func TestBeginAndCommitStepAssignsSequence(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, false)

	step1 := beginStep(t, m, "t1")
	cp1, err := m.CommitStep(context.Background(), step1, "plan", map[string]any{"n": 1.0}, model.EvidencePack{Policy: model.PackPolicy{Kind: model.PolicyAllowPartial}}, nil)
	if err != nil {
		t.Fatalf("CommitStep() error: %v", err)
	}
	if cp1.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1", cp1.SequenceNumber)
	}

	step2 := beginStep(t, m, "t1")
	cp2, err := m.CommitStep(context.Background(), step2, "plan", map[string]any{"n": 2.0}, model.EvidencePack{Policy: model.PackPolicy{Kind: model.PolicyAllowPartial}}, nil)
	if err != nil {
		t.Fatalf("CommitStep() error: %v", err)
	}
	if cp2.SequenceNumber != 2 {
		t.Errorf("SequenceNumber = %d, want 2", cp2.SequenceNumber)
	}
}

func TestBeginStepEmitsCheckpointBeginEvent(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, false)
	beginStep(t, m, "t1")

	log := audit.NewLog(m.writer)
	events, err := log.Events(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "checkpoint_begin" {
		t.Errorf("events = %+v, want one checkpoint_begin event", events)
	}
}

func TestCommitStepPersistsMetadata(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, false)

	step := beginStep(t, m, "t1")
	cp, err := m.CommitStep(context.Background(), step, "plan", map[string]any{}, model.EvidencePack{Policy: model.PackPolicy{Kind: model.PolicyAllowPartial}}, map[string]any{"source": "agent-7"})
	if err != nil {
		t.Fatalf("CommitStep() error: %v", err)
	}

	fetched, err := m.Get(context.Background(), cp.CheckpointID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if fetched.Metadata["source"] != "agent-7" {
		t.Errorf("Metadata[source] = %v, want agent-7", fetched.Metadata["source"])
	}
}

func TestRecordPatchAndLinkCommit(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, false)

	patch, err := m.RecordPatch(context.Background(), 7, nil, "fix flaky test", []string{"a.go", "b.go"}, "deadbeef")
	if err != nil {
		t.Fatalf("RecordPatch() error: %v", err)
	}

	link, err := m.LinkCommit(context.Background(), patch.PatchID, "abc123", "fix flaky test", "/repo")
	if err != nil {
		t.Fatalf("LinkCommit() error: %v", err)
	}
	if link.CommitHash != "abc123" {
		t.Errorf("CommitHash = %q, want abc123", link.CommitHash)
	}

	patches, err := m.Patches(context.Background(), 7)
	if err != nil {
		t.Fatalf("Patches() error: %v", err)
	}
	if len(patches) != 1 || patches[0].DiffHash != "deadbeef" {
		t.Errorf("patches = %+v, want one patch with diff_hash deadbeef", patches)
	}
}

func TestCommitStepRequiresBeginStep(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, false)

	_, err := m.CommitStep(context.Background(), "nonexistent", "plan", nil, model.EvidencePack{}, nil)
	if err == nil {
		t.Fatal("expected error committing an unbegun step")
	}
}

func TestGetLastVerifiedCheckpointSkipsUnverified(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, true)

	step1 := beginStep(t, m, "t1")
	_, err := m.CommitStep(context.Background(), step1, "plan", map[string]any{}, model.EvidencePack{
		Policy: model.PackPolicy{Kind: model.PolicyRequireAll},
		Items:  []model.EvidenceItem{{Kind: model.EvidenceCommandExit, Expected: map[string]any{"exit_code": "bad"}}},
	}, nil)
	if err != nil {
		t.Fatalf("CommitStep() error: %v", err)
	}

	step2 := beginStep(t, m, "t1")
	cp2, err := m.CommitStep(context.Background(), step2, "plan", map[string]any{}, model.EvidencePack{
		Policy: model.PackPolicy{Kind: model.PolicyRequireAll},
		Items:  []model.EvidenceItem{{Kind: model.EvidenceCommandExit, Expected: map[string]any{"exit_code": 0}}},
	}, nil)
	if err != nil {
		t.Fatalf("CommitStep() error: %v", err)
	}

	last, err := m.GetLastVerifiedCheckpoint(context.Background(), "t1", "plan")
	if err != nil {
		t.Fatalf("GetLastVerifiedCheckpoint() error: %v", err)
	}
	if last == nil || last.CheckpointID != cp2.CheckpointID {
		t.Errorf("expected verified checkpoint %s, got %v", cp2.CheckpointID, last)
	}
}

func TestRollbackToCheckpointRequiresVerification(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, true)

	step := beginStep(t, m, "t1")
	cp, err := m.CommitStep(context.Background(), step, "plan", map[string]any{"x": 1.0}, model.EvidencePack{
		Policy: model.PackPolicy{Kind: model.PolicyRequireAll},
		Items:  []model.EvidenceItem{{Kind: model.EvidenceCommandExit, Expected: map[string]any{"exit_code": "bad"}}},
	}, nil)
	if err != nil {
		t.Fatalf("CommitStep() error: %v", err)
	}

	_, err = m.RollbackToCheckpoint(context.Background(), cp.CheckpointID)
	if err == nil {
		t.Fatal("expected error rolling back to an unverified checkpoint")
	}
}

func TestListCheckpointsOrdering(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, false)

	for i := 0; i < 3; i++ {
		step := beginStep(t, m, "t1")
		_, err := m.CommitStep(context.Background(), step, "plan", map[string]any{}, model.EvidencePack{Policy: model.PackPolicy{Kind: model.PolicyAllowPartial}}, nil)
		if err != nil {
			t.Fatalf("CommitStep() error: %v", err)
		}
	}

	cps, err := m.ListCheckpoints(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListCheckpoints() error: %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("len(cps) = %d, want 3", len(cps))
	}
	for i, cp := range cps {
		if cp.SequenceNumber != int64(i+1) {
			t.Errorf("cps[%d].SequenceNumber = %d, want %d", i, cp.SequenceNumber, i+1)
		}
	}
}

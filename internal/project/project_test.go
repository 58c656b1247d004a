package project

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/model"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dbDir := t.TempDir()
	workspaceRoot := t.TempDir()

	w, err := dbwriter.Get(filepath.Join(dbDir, "db.sqlite"), time.Second)
	if err != nil {
		t.Fatalf("dbwriter.Get() error: %v", err)
	}
	t.Cleanup(w.Stop)

	_, err = w.Submit(context.Background(), func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(`
			CREATE TABLE projects (
				project_id TEXT PRIMARY KEY, name TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'active',
				default_repo_id TEXT, settings TEXT NOT NULL DEFAULT '{}', created_at TEXT NOT NULL, updated_at TEXT NOT NULL
			);
			CREATE TABLE repos (
				repo_id TEXT PRIMARY KEY, project_id TEXT NOT NULL, name TEXT NOT NULL, remote_url TEXT,
				default_branch TEXT NOT NULL DEFAULT 'main', workspace_relpath TEXT NOT NULL, role TEXT NOT NULL DEFAULT 'code',
				is_writable INTEGER NOT NULL DEFAULT 1, metadata TEXT NOT NULL DEFAULT '{}', UNIQUE(project_id, name)
			);
		`)
		return nil, err
	})
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewService(w, workspaceRoot), workspaceRoot
}

func TestAddProjectCreatesWorkspaceMetadata(t *testing.T) {
	t.Parallel()
	s, workspaceRoot := newTestService(t)

	p, err := s.AddProject(context.Background(), "p1", "demo")
	if err != nil {
		t.Fatalf("AddProject() error: %v", err)
	}
	if p.ProjectID != "p1" {
		t.Errorf("ProjectID = %q, want p1", p.ProjectID)
	}

	root := filepath.Join(workspaceRoot, "projects", "p1")
	manifestPath := filepath.Join(root, ".agentos", "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		t.Errorf("expected manifest at %s: %v", manifestPath, err)
	}
	gitignorePath := filepath.Join(root, ".agentos", ".gitignore")
	if _, err := os.Stat(gitignorePath); err != nil {
		t.Errorf("expected .gitignore at %s: %v", gitignorePath, err)
	}
}

func TestAddRepoScopeRejectsAncestralPaths(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	if _, err := s.AddProject(context.Background(), "p1", "demo"); err != nil {
		t.Fatalf("AddProject() error: %v", err)
	}

	err := s.AddRepoScope(context.Background(), model.RepoSpec{ProjectID: "p1", Name: "backend", WorkspaceRelpath: "services/backend", IsWritable: true})
	if err != nil {
		t.Fatalf("AddRepoScope() error: %v", err)
	}

	err = s.AddRepoScope(context.Background(), model.RepoSpec{ProjectID: "p1", Name: "nested", WorkspaceRelpath: "services/backend/sub", IsWritable: true})
	if err == nil {
		t.Fatal("expected error registering a nested (ancestral) workspace_relpath")
	}
}

func TestAddRepoScopeRejectsEscapingPath(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	if _, err := s.AddProject(context.Background(), "p1", "demo"); err != nil {
		t.Fatalf("AddProject() error: %v", err)
	}

	err := s.AddRepoScope(context.Background(), model.RepoSpec{ProjectID: "p1", Name: "escape", WorkspaceRelpath: "../outside", IsWritable: true})
	if err == nil {
		t.Fatal("expected error for a workspace_relpath escaping the project root")
	}
}

func TestGetAndRemoveRepoScopes(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	if _, err := s.AddProject(context.Background(), "p1", "demo"); err != nil {
		t.Fatalf("AddProject() error: %v", err)
	}
	if err := s.AddRepoScope(context.Background(), model.RepoSpec{ProjectID: "p1", Name: "backend", WorkspaceRelpath: "backend", IsWritable: true}); err != nil {
		t.Fatalf("AddRepoScope() error: %v", err)
	}

	specs, err := s.GetRepoScopes(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetRepoScopes() error: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "backend" {
		t.Fatalf("specs = %+v", specs)
	}

	if err := s.RemoveRepoScope(context.Background(), "p1", specs[0].RepoID); err != nil {
		t.Fatalf("RemoveRepoScope() error: %v", err)
	}
	specs, err = s.GetRepoScopes(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetRepoScopes() error: %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("expected no repo scopes after removal, got %+v", specs)
	}
}

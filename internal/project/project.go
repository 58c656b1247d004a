// Package project implements project and repo-spec bookkeeping: the
// workspace layout convention and the CRUD operations that back the
// "project" CLI surface (spec.md §6, §3 Project/Repo spec).
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/model"
	"github.com/agentcore/substrate/internal/paths"
)

// Error wraps a project/repo bookkeeping failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("project: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Service manages projects and their repo specs.
type Service struct {
	writer        *dbwriter.Writer
	workspaceRoot string
}

func NewService(w *dbwriter.Writer, workspaceRoot string) *Service {
	return &Service{writer: w, workspaceRoot: workspaceRoot}
}

// Manifest is the JSON document written to <project root>/.agentos/manifest.json.
type Manifest struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AddProject registers a new project, creates its workspace directory and
// .agentos/ metadata sidecar, and returns the stored record.
func (s *Service) AddProject(ctx context.Context, id, name string) (*model.Project, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	root := paths.ProjectRoot(s.workspaceRoot, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &Error{Op: "add_project", Err: fmt.Errorf("create project root: %w", err)}
	}
	if err := writeWorkspaceMetadata(root, Manifest{ProjectID: id, Name: name, CreatedAt: now}); err != nil {
		return nil, &Error{Op: "add_project", Err: err}
	}

	_, err := s.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(
			`INSERT INTO projects (project_id, name, status, settings, created_at, updated_at) VALUES (?, ?, 'active', '{}', ?, ?)`,
			id, name, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		return nil, err
	})
	if err != nil {
		return nil, &Error{Op: "add_project", Err: err}
	}

	return &model.Project{ProjectID: id, Name: name, Status: model.ProjectActive, Settings: map[string]any{}, CreatedAt: now, UpdatedAt: now}, nil
}

// writeWorkspaceMetadata writes the .agentos/ manifest.json and .gitignore
// sidecar for a project root (spec.md §6).
func writeWorkspaceMetadata(projectRoot string, m Manifest) error {
	dir := paths.WorkspaceMetadataDir(projectRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create .agentos dir: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*\n"), 0o644); err != nil {
		return fmt.Errorf("write gitignore: %w", err)
	}
	return nil
}

// ListProjects returns every project, newest first.
func (s *Service) ListProjects(ctx context.Context) ([]*model.Project, error) {
	v, err := s.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		rows, err := tx.Query(`SELECT project_id, name, status, default_repo_id, settings, created_at, updated_at FROM projects ORDER BY created_at DESC`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*model.Project
		for rows.Next() {
			var p model.Project
			var status, settingsJSON, createdAt, updatedAt string
			var defaultRepoID sql.NullString
			if err := rows.Scan(&p.ProjectID, &p.Name, &status, &defaultRepoID, &settingsJSON, &createdAt, &updatedAt); err != nil {
				return nil, err
			}
			p.Status = model.ProjectStatus(status)
			if defaultRepoID.Valid {
				p.DefaultRepoID = &defaultRepoID.String
			}
			json.Unmarshal([]byte(settingsJSON), &p.Settings)
			p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
			out = append(out, &p)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "list_projects", Err: err}
	}
	out, _ := v.([]*model.Project)
	return out, nil
}

// AddRepoScope registers a repo spec under a project, enforcing unique
// names and non-ancestral, project-contained workspace_relpaths.
func (s *Service) AddRepoScope(ctx context.Context, spec model.RepoSpec) error {
	resolved, err := paths.RepoPath(paths.ProjectRoot(s.workspaceRoot, spec.ProjectID), spec.WorkspaceRelpath)
	if err != nil {
		return &Error{Op: "add_repo_scope", Err: err}
	}
	projectRoot, err := filepath.Abs(paths.ProjectRoot(s.workspaceRoot, spec.ProjectID))
	if err != nil {
		return &Error{Op: "add_repo_scope", Err: err}
	}
	if rel, err := filepath.Rel(projectRoot, resolved); err != nil || strings.HasPrefix(rel, "..") {
		return &Error{Op: "add_repo_scope", Err: fmt.Errorf("workspace_relpath %q escapes project root", spec.WorkspaceRelpath)}
	}

	metaJSON, err := json.Marshal(spec.Metadata)
	if err != nil {
		return &Error{Op: "add_repo_scope", Err: err}
	}

	_, err = s.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		existing, err := existingRelpaths(tx, spec.ProjectID)
		if err != nil {
			return nil, err
		}
		for _, other := range existing {
			if isAncestral(other, spec.WorkspaceRelpath) {
				return nil, fmt.Errorf("workspace_relpath %q conflicts with existing repo path %q", spec.WorkspaceRelpath, other)
			}
		}

		if spec.RepoID == "" {
			spec.RepoID = uuid.NewString()
		}
		var remote any
		if spec.RemoteURL != nil {
			remote = *spec.RemoteURL
		}
		_, err = tx.Exec(
			`INSERT INTO repos (repo_id, project_id, name, remote_url, default_branch, workspace_relpath, role, is_writable, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			spec.RepoID, spec.ProjectID, spec.Name, remote, spec.DefaultBranch, spec.WorkspaceRelpath, string(spec.Role), spec.IsWritable, string(metaJSON),
		)
		return nil, err
	})
	if err != nil {
		return &Error{Op: "add_repo_scope", Err: err}
	}
	return nil
}

func existingRelpaths(tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := tx.Query(`SELECT workspace_relpath FROM repos WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// isAncestral reports whether a and b are the same path or one contains
// the other (mutually non-ancestral is the invariant repo paths must
// satisfy, spec.md §3).
func isAncestral(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(a+"/", b+"/") || strings.HasPrefix(b+"/", a+"/")
}

// GetRepoScopes returns every repo spec registered under a project.
func (s *Service) GetRepoScopes(ctx context.Context, projectID string) ([]model.RepoSpec, error) {
	v, err := s.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		rows, err := tx.Query(
			`SELECT repo_id, project_id, name, remote_url, default_branch, workspace_relpath, role, is_writable, metadata
			 FROM repos WHERE project_id = ? ORDER BY name ASC`, projectID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.RepoSpec
		for rows.Next() {
			var spec model.RepoSpec
			var remote sql.NullString
			var role, metaJSON string
			if err := rows.Scan(&spec.RepoID, &spec.ProjectID, &spec.Name, &remote, &spec.DefaultBranch, &spec.WorkspaceRelpath, &role, &spec.IsWritable, &metaJSON); err != nil {
				return nil, err
			}
			if remote.Valid {
				spec.RemoteURL = &remote.String
			}
			spec.Role = model.RepoRole(role)
			json.Unmarshal([]byte(metaJSON), &spec.Metadata)
			out = append(out, spec)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: "get_repo_scopes", Err: err}
	}
	out, _ := v.([]model.RepoSpec)
	return out, nil
}

// RemoveRepoScope deletes a repo spec from a project.
func (s *Service) RemoveRepoScope(ctx context.Context, projectID, repoID string) error {
	_, err := s.writer.Submit(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(`DELETE FROM repos WHERE project_id = ? AND repo_id = ?`, projectID, repoID)
		return nil, err
	})
	if err != nil {
		return &Error{Op: "remove_repo_scope", Err: err}
	}
	return nil
}

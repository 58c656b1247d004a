// Package paths implements the Path Registry (C1): the process-wide
// convention for where each component's database file lives under the
// substrate's home directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Component names form a closed set. Only "agentos" owns the schema this
// core implements (tasks, leases, checkpoints, ...); the others are sibling
// stores out of this core's scope (spec.md §1) but still resolve through
// the same registry so callers have one place to ask "where does X live".
const (
	ComponentAgentOS   = "agentos"
	ComponentMemoryOS  = "memoryos"
	ComponentNetworkOS = "networkos"
	ComponentKB        = "kb"
)

var knownComponents = map[string]bool{
	ComponentAgentOS:   true,
	ComponentMemoryOS:  true,
	ComponentNetworkOS: true,
	ComponentKB:        true,
}

// ErrUnknownComponent is returned for any component name outside the closed
// set above.
type ErrUnknownComponent struct {
	Component string
}

func (e *ErrUnknownComponent) Error() string {
	return fmt.Sprintf("paths: unknown component %q", e.Component)
}

// Registry resolves database file paths under a single home directory.
type Registry struct {
	home string
}

// NewRegistry constructs a Registry rooted at home. An empty home resolves
// to "<user home dir>/.agentcore".
func NewRegistry(home string) (*Registry, error) {
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("paths: resolve user home: %w", err)
		}
		home = filepath.Join(userHome, ".agentcore")
	}
	return &Registry{home: home}, nil
}

// Home returns the registry's root directory.
func (r *Registry) Home() string {
	return r.home
}

// ComponentDir returns "<home>/store/<component>" without creating it.
func (r *Registry) ComponentDir(component string) (string, error) {
	if !knownComponents[component] {
		return "", &ErrUnknownComponent{Component: component}
	}
	return filepath.Join(r.home, "store", component), nil
}

// DBPath returns "<home>/store/<component>/db.sqlite" without creating
// anything on disk.
func (r *Registry) DBPath(component string) (string, error) {
	dir, err := r.ComponentDir(component)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "db.sqlite"), nil
}

// EnsureDB creates the component's directory (idempotent) and returns the
// database file path. It does not open the database — WAL-mode
// initialization happens the first time a connection is opened
// (internal/dbconn, internal/dbwriter), per spec.md §4.2/§4.3.
func (r *Registry) EnsureDB(component string) (string, error) {
	dir, err := r.ComponentDir(component)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("paths: create component dir %s: %w", dir, err)
	}
	return filepath.Join(dir, "db.sqlite"), nil
}

// ProjectRoot returns "<workspaceRoot>/projects/<projectID>".
func ProjectRoot(workspaceRoot, projectID string) string {
	return filepath.Join(workspaceRoot, "projects", projectID)
}

// RepoPath returns the resolved absolute path of a repo given the project
// root and the repo's workspace-relative path.
func RepoPath(projectRoot, workspaceRelpath string) (string, error) {
	abs := filepath.Join(projectRoot, workspaceRelpath)
	resolved, err := filepath.Abs(abs)
	if err != nil {
		return "", fmt.Errorf("paths: resolve repo path: %w", err)
	}
	return resolved, nil
}

// WorkspaceMetadataDir returns the sibling ".agentos" metadata directory
// for a project root (spec.md §6: "a sibling .agentos/ metadata directory
// containing a JSON workspace manifest and a .gitignore").
func WorkspaceMetadataDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".agentos")
}

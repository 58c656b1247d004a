// Package reposcope implements the Repo Scope Enforcer (C5): per-task
// path containment and access-scope checks over the repositories a task
// was granted, grounded on the original TaskRepoContext/ExecutionEnv
// model (spec.md §4.5).
package reposcope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentcore/substrate/internal/logging"
	"github.com/agentcore/substrate/internal/model"
)

// PathSecurityError reports that a task attempted to touch a path outside
// its granted repo scope.
type PathSecurityError struct {
	TaskID string
	Repo   string
	Path   string
	Reason string
}

func (e *PathSecurityError) Error() string {
	return fmt.Sprintf("reposcope: task %s denied %s in repo %s: %s", e.TaskID, e.Path, e.Repo, e.Reason)
}

// Context binds one task to one repo with a validated access scope.
type Context struct {
	TaskID      string
	RepoID      string
	Name        string
	Path        string // absolute, resolved repo root
	RemoteURL   string
	Branch      string
	Writable    bool
	Scope       model.RepoScope
	PathFilters []string
	Metadata    map[string]any
}

// NewContext validates and constructs a Context, rejecting scopes that
// can't be satisfied (e.g. paths scope with no filters).
func NewContext(taskID string, spec model.RepoSpec, taskScope model.TaskRepoScope, resolvedPath string) (*Context, error) {
	if taskScope.Scope == model.ScopePaths && len(taskScope.PathFilters) == 0 {
		return nil, fmt.Errorf("reposcope: scope %q requires at least one path filter", model.ScopePaths)
	}
	remote := ""
	if spec.RemoteURL != nil {
		remote = *spec.RemoteURL
	}
	return &Context{
		TaskID:      taskID,
		RepoID:      spec.RepoID,
		Name:        spec.Name,
		Path:        resolvedPath,
		RemoteURL:   remote,
		Branch:      spec.DefaultBranch,
		Writable:    spec.IsWritable && taskScope.Scope != model.ScopeReadOnly,
		Scope:       taskScope.Scope,
		PathFilters: taskScope.PathFilters,
		Metadata:    taskScope.Metadata,
	}, nil
}

// resolveSymlinks resolves path to its real, symlink-free absolute form —
// the sole defense against a symlink inside the repo pointing outside it
// (spec.md §4.5; original_source repo_context.py:179 uses Path.resolve()
// for the same reason). If path doesn't exist yet (e.g. a file about to
// be written), its nearest existing ancestor is resolved and the
// remaining components are rejoined lexically.
func resolveSymlinks(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	dir := filepath.Dir(abs)
	if dir == abs {
		return "", err
	}
	resolvedDir, derr := resolveSymlinks(dir)
	if derr != nil {
		return "", derr
	}
	return filepath.Join(resolvedDir, filepath.Base(abs)), nil
}

// IsWithinRepo reports whether path resolves to a location inside the
// repo root, defending against ".." traversal and symlink escapes by
// resolving symlinks before comparing the cleaned absolute forms.
func (c *Context) IsWithinRepo(path string) (bool, error) {
	abs, err := resolveSymlinks(path)
	if err != nil {
		return false, fmt.Errorf("reposcope: resolve %s: %w", path, err)
	}
	root, err := resolveSymlinks(c.Path)
	if err != nil {
		return false, fmt.Errorf("reposcope: resolve repo root %s: %w", c.Path, err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false, nil
	}
	if rel == "." {
		return true, nil
	}
	return !strings.HasPrefix(rel, "..") && rel != "..", nil
}

// IsAllowed reports whether the given relative path may be accessed under
// this context's scope for the given intent (write=true for mutations).
func (c *Context) IsAllowed(relPath string, write bool) bool {
	switch c.Scope {
	case model.ScopeReadOnly:
		return !write
	case model.ScopeFull:
		return !write || c.Writable
	case model.ScopePaths:
		if write && !c.Writable {
			return false
		}
		return matchesAnyFilter(relPath, c.PathFilters)
	default:
		return false
	}
}

// matchesAnyFilter checks relPath against each glob filter, also trying
// "filter/*" so a directory filter without a trailing glob still matches
// files beneath it (spec.md §4.5 directory-shorthand behavior).
func matchesAnyFilter(relPath string, filters []string) bool {
	for _, f := range filters {
		if ok, _ := filepath.Match(f, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(f+"/*", relPath); ok {
			return true
		}
		if strings.HasPrefix(relPath, strings.TrimSuffix(f, "/")+"/") {
			return true
		}
	}
	return false
}

// ValidateRead returns a *PathSecurityError if path may not be read under
// this context.
func (c *Context) ValidateRead(path string) error {
	return c.validate(path, false)
}

// ValidateWrite returns a *PathSecurityError if path may not be written
// under this context.
func (c *Context) ValidateWrite(path string) error {
	return c.validate(path, true)
}

func (c *Context) validate(path string, write bool) error {
	within, err := c.IsWithinRepo(path)
	if err != nil {
		return err
	}
	if !within {
		return &PathSecurityError{TaskID: c.TaskID, Repo: c.Name, Path: path, Reason: "outside repo root"}
	}
	rel, err := c.RelativePath(path)
	if err != nil {
		return err
	}
	if !c.IsAllowed(rel, write) {
		reason := "not permitted by scope"
		if write {
			reason = "write not permitted by scope"
		}
		return &PathSecurityError{TaskID: c.TaskID, Repo: c.Name, Path: path, Reason: reason}
	}
	return nil
}

// RelativePath returns path relative to the repo root.
func (c *Context) RelativePath(path string) (string, error) {
	abs, err := resolveSymlinks(path)
	if err != nil {
		return "", err
	}
	root, err := resolveSymlinks(c.Path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// AbsolutePath returns the absolute path for a repo-relative path.
func (c *Context) AbsolutePath(relPath string) string {
	return filepath.Join(c.Path, relPath)
}

// Env groups every repo context a task was granted, mirroring the
// original ExecutionEnv bookkeeping (spec.md §12.2).
type Env struct {
	TaskID        string
	Repos         map[string]*Context
	order         []string // RepoIDs in registration order, for name tie-break
	DefaultRepoID string
}

// NewEnv constructs an empty Env for a task.
func NewEnv(taskID string) *Env {
	return &Env{TaskID: taskID, Repos: map[string]*Context{}}
}

// AddRepo registers a context under its RepoID. The first repo added
// becomes the default unless overridden.
func (e *Env) AddRepo(c *Context) {
	e.Repos[c.RepoID] = c
	e.order = append(e.order, c.RepoID)
	if e.DefaultRepoID == "" {
		e.DefaultRepoID = c.RepoID
	}
}

// GetRepo returns the context for repoID, or nil if not granted.
func (e *Env) GetRepo(repoID string) *Context {
	return e.Repos[repoID]
}

// GetRepoByName looks up a context by its repo name rather than ID. If more
// than one granted repo shares the name, the first match in registration
// order wins and a warning is logged (spec.md §4.5).
func (e *Env) GetRepoByName(name string) *Context {
	var match *Context
	matches := 0
	for _, id := range e.order {
		c := e.Repos[id]
		if c != nil && c.Name == name {
			matches++
			if match == nil {
				match = c
			}
		}
	}
	if matches > 1 {
		logging.WithComponent("repo-scope").Warn().
			Str("task_id", e.TaskID).
			Str("repo_name", name).
			Int("matches", matches).
			Str("chosen_repo_id", match.RepoID).
			Msg("ambiguous repo name, using first match in registration order")
	}
	return match
}

// DefaultRepo returns the context marked as this env's default repo, or
// nil if none has been added.
func (e *Env) DefaultRepo() *Context {
	return e.Repos[e.DefaultRepoID]
}

// WritableRepos returns every repo context granted write access.
func (e *Env) WritableRepos() []*Context {
	var out []*Context
	for _, c := range e.Repos {
		if c.Writable {
			out = append(out, c)
		}
	}
	return out
}

// ListRepos returns every granted repo context.
func (e *Env) ListRepos() []*Context {
	out := make([]*Context, 0, len(e.Repos))
	for _, c := range e.Repos {
		out = append(out, c)
	}
	return out
}

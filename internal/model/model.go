// Package model holds the entities shared across the substrate's
// components, as described in spec.md §3 (Data Model).
package model

import "time"

// TaskStatus is the closed set of task lifecycle states (spec.md §4.9,
// Open Question #4).
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskWaitingLock TaskStatus = "waiting_lock"
	TaskRunning     TaskStatus = "running"
	TaskPaused      TaskStatus = "paused"
	TaskSucceeded   TaskStatus = "succeeded"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
	TaskTimedOut    TaskStatus = "timed_out"
)

// IsTerminal reports whether a status is one of the terminal states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	default:
		return false
	}
}

// RunStatus is the status of a single task run (task_runs.status).
type RunStatus string

const (
	RunQueued      RunStatus = "queued"
	RunWaitingLock RunStatus = "waiting_lock"
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
)

// RepoScope is a per-task access policy on a repository (spec.md §4.5).
type RepoScope string

const (
	ScopeFull     RepoScope = "full"
	ScopePaths    RepoScope = "paths"
	ScopeReadOnly RepoScope = "read_only"
)

// RepoRole classifies a repo spec's purpose within a project.
type RepoRole string

const (
	RoleCode        RepoRole = "code"
	RoleDocs        RepoRole = "docs"
	RoleInfra       RepoRole = "infra"
	RoleMonoSubdir  RepoRole = "mono-subdir"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
	ProjectDeleted  ProjectStatus = "deleted"
)

// AuditLevel is the severity of a task_audits row.
type AuditLevel string

const (
	AuditDebug AuditLevel = "debug"
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// Task is a unit of work owned by the substrate.
type Task struct {
	TaskID      string
	Title       string
	Description string
	Status      TaskStatus
	Priority    int
	ExitReason  *string
	RetryCount  int
	MaxRetries  int
	ProjectID   *string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskRun is one execution attempt of a Task.
type TaskRun struct {
	RunID        int64
	TaskID       string
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	LeaseHolder  *string
	LeaseUntil   *time.Time
	ExecutionMode string
	Error        *string
}

// StateTransition is an append-only task status change.
type StateTransition struct {
	TaskID     string
	FromStatus TaskStatus
	ToStatus   TaskStatus
	Actor      string
	Reason     string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Event is an append-only, per-task sequenced record.
type Event struct {
	TaskID    string
	EventType string
	EventSeq  int64
	EventData map[string]any
	CreatedAt time.Time
}

// Audit is an append-only diagnostic record.
type Audit struct {
	TaskID    string
	Level     AuditLevel
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// Project groups repos and tasks under one workspace.
type Project struct {
	ProjectID     string
	Name          string
	Status        ProjectStatus
	DefaultRepoID *string
	Settings      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RepoSpec describes one repository belonging to a project.
type RepoSpec struct {
	RepoID           string
	ProjectID        string
	Name             string
	RemoteURL        *string
	DefaultBranch    string
	WorkspaceRelpath string
	Role             RepoRole
	IsWritable       bool
	Metadata         map[string]any
}

// TaskRepoScope binds a task to a repo with an access scope.
type TaskRepoScope struct {
	TaskID      string
	RepoID      string
	Scope       RepoScope
	PathFilters []string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// FileLock is a row in file_locks: the live exclusive claim on one file
// path within one repo root.
type FileLock struct {
	RepoRoot     string
	FilePath     string
	LockedByTask string
	LockedByRun  int64
	ExpiresAt    time.Time
	Metadata     map[string]any
}

// Checkpoint is an immutable, numbered snapshot of task state.
type Checkpoint struct {
	CheckpointID    string
	TaskID          string
	WorkItemID      *string
	CheckpointType  string
	SequenceNumber  int64
	SnapshotData    map[string]any
	EvidencePack    EvidencePack
	Verified        bool
	LastVerifiedAt  *time.Time
	Metadata        map[string]any
	CreatedAt       time.Time
}

// EvidenceKind is the closed set of evidence types (spec.md §4.7).
type EvidenceKind string

const (
	EvidenceArtifactExists EvidenceKind = "artifact_exists"
	EvidenceFileSHA256     EvidenceKind = "file_sha256"
	EvidenceCommandExit    EvidenceKind = "command_exit"
	EvidenceDBRow          EvidenceKind = "db_row"
)

// VerificationStatus is the state of a single evidence item's check.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// PackPolicyKind selects how an EvidencePack's items combine into a verdict.
type PackPolicyKind string

const (
	PolicyRequireAll    PackPolicyKind = "require_all"
	PolicyAllowPartial  PackPolicyKind = "allow_partial"
	PolicyMinVerified   PackPolicyKind = "min_verified"
)

// PackPolicy is a pass policy for an evidence pack, e.g. require_all or
// min_verified:3.
type PackPolicy struct {
	Kind        PackPolicyKind
	MinVerified int // only meaningful when Kind == PolicyMinVerified
}

// EvidenceItem is one piece of evidence attached to a checkpoint.
type EvidenceItem struct {
	Kind                EvidenceKind
	Expected            map[string]any
	Metadata            map[string]any
	Verified            bool
	VerificationStatus  VerificationStatus
	VerificationError   *string
	VerifiedAt          *time.Time
}

// EvidencePack is a list of evidence items plus the policy that decides
// whether the pack as a whole passes.
type EvidencePack struct {
	Items  []EvidenceItem
	Policy PackPolicy
}

// IsVerified evaluates the pack's policy against its items' current
// verification state.
func (p EvidencePack) IsVerified() bool {
	if len(p.Items) == 0 {
		return p.Policy.Kind == PolicyAllowPartial
	}
	verified := 0
	for _, it := range p.Items {
		if it.Verified {
			verified++
		}
	}
	switch p.Policy.Kind {
	case PolicyAllowPartial:
		return verified >= 1
	case PolicyMinVerified:
		return verified >= p.Policy.MinVerified
	default: // require_all
		return verified == len(p.Items)
	}
}

// Patch records one set of file changes a run produced.
type Patch struct {
	PatchID       string
	RunID         int64
	StepID        *string
	Intent        string
	AffectedPaths []string
	DiffHash      string
	CreatedAt     time.Time
}

// CommitLink ties a patch to a VCS commit.
type CommitLink struct {
	PatchID     string
	CommitHash  string
	Message     string
	CommittedAt time.Time
	RepoRoot    string
}

// SchemaVersion is a row in the append-only migration log.
type SchemaVersion struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

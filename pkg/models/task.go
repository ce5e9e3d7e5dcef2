package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	CancelledTaskStatus TaskStatus = "CANCELLED"
)

// Terminal reports whether the status absorbs all further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

var allowedStatusTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	PendingTaskStatus: {
		RunningTaskStatus:   {},
		CancelledTaskStatus: {},
		FailedTaskStatus:    {},
	},
	RunningTaskStatus: {
		CompletedTaskStatus: {},
		FailedTaskStatus:    {},
		CancelledTaskStatus: {},
	},
	CompletedTaskStatus: {},
	FailedTaskStatus:    {},
	CancelledTaskStatus: {},
}

// ValidStatusTransition reports whether from -> to is allowed by the task
// lifecycle graph. Terminal states reject every transition.
func ValidStatusTransition(from, to TaskStatus) bool {
	next, ok := allowedStatusTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type VerificationLevel string

const (
	VerificationAnalysisOnly VerificationLevel = "analysis-only"
	VerificationSandboxed    VerificationLevel = "sandboxed"
	VerificationExploitGen   VerificationLevel = "exploit-generation"
)

func (v VerificationLevel) Valid() bool {
	switch v {
	case VerificationAnalysisOnly, VerificationSandboxed, VerificationExploitGen:
		return true
	}
	return false
}

type ProjectKind string

const (
	ArchiveProject    ProjectKind = "archive"
	RepositoryProject ProjectKind = "repository"
)

// ProjectRef points the engine at the code under audit: either a local
// archive or a remote repository with an optional preferred branch.
type ProjectRef struct {
	Kind          ProjectKind `json:"kind" db:"project_kind"`
	ArchivePath   string      `json:"archive_path,omitempty" db:"archive_path"`
	RepoURL       string      `json:"repo_url,omitempty" db:"repo_url"`
	Branch        string      `json:"branch,omitempty" db:"branch"`
	DefaultBranch string      `json:"default_branch,omitempty" db:"default_branch"`
}

// TaskConfig is the per-task audit configuration. Zero values fall back to
// the account defaults resolved at execution time.
type TaskConfig struct {
	VulnScope         []string          `json:"vuln_scope"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	ExcludeFiles      []string          `json:"exclude_files,omitempty"`
	TargetFiles       []string          `json:"target_files,omitempty"`
	MaxIterations     int               `json:"max_iterations"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
}

// Progress carries the live counters of a running audit.
type Progress struct {
	FilesScanned int `json:"files_scanned" db:"files_scanned"`
	Iterations   int `json:"iterations" db:"iterations"`
	ToolCalls    int `json:"tool_calls" db:"tool_calls"`
	TokensUsed   int `json:"tokens_used" db:"tokens_used"`
}

// SeverityCounts rolls findings up by severity for the status snapshot.
type SeverityCounts struct {
	Critical int `json:"critical" db:"sev_critical"`
	High     int `json:"high" db:"sev_high"`
	Medium   int `json:"medium" db:"sev_medium"`
	Low      int `json:"low" db:"sev_low"`
	Info     int `json:"info" db:"sev_info"`
}

// AuditTask is the persisted record of one audit. It is created by the
// submission boundary, mutated only by the lifecycle controller and is
// immutable once its status is terminal.
type AuditTask struct {
	ID         string         `json:"id" db:"id"`
	Project    ProjectRef     `json:"project"`
	Status     TaskStatus     `json:"status" db:"status"`
	Phase      Phase          `json:"phase" db:"phase"`
	Config     TaskConfig     `json:"config"`
	Progress   Progress       `json:"progress"`
	Severities SeverityCounts `json:"severities"`
	RiskScore  int            `json:"risk_score" db:"risk_score"`
	ErrorMsg   string         `json:"error,omitempty" db:"error_msg"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

package models

import "time"

type NodeRole string

const (
	RootNode         NodeRole = "root"
	ReconNode        NodeRole = "reconnaissance"
	AnalysisNode     NodeRole = "analysis"
	VerificationNode NodeRole = "verification"
	ReportingNode    NodeRole = "reporting"
	SpecialistNode   NodeRole = "specialist"
)

// ExecutionNode records one worker of a task's worker tree. The parent is
// referenced by id only; teardown removes all nodes under a task id.
type ExecutionNode struct {
	ID         string    `json:"id" db:"id"`
	TaskID     string    `json:"task_id" db:"task_id"`
	ParentID   string    `json:"parent_id,omitempty" db:"parent_id"`
	Role       NodeRole  `json:"role" db:"role"`
	Iterations int       `json:"iterations" db:"iterations"`
	ToolCalls  int       `json:"tool_calls" db:"tool_calls"`
	TokensUsed int       `json:"tokens_used" db:"tokens_used"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

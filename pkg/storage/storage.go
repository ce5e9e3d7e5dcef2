package storage

import (
	"github.com/pkg/errors"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the durable operations the engine needs. The event log and
// the task record are the only cross-restart state; every write is a
// single-row, task-scoped statement.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.AuditTask) error
	GetTask(id string) (models.AuditTask, error)
	ListTasks() ([]models.AuditTask, error)
	UpdateTaskStatus(id string, status models.TaskStatus, errorMsg string) error
	UpdateTaskPhase(id string, phase models.Phase) error
	UpdateTaskProgress(id string, p models.Progress) error
	UpdateTaskSeverities(id string, s models.SeverityCounts, riskScore int) error

	// Event log operations
	AppendEvent(e models.AuditEvent) error
	ListEventsAfter(taskID string, afterSeq int64, limit int) ([]models.AuditEvent, error)

	// Finding operations
	UpsertFinding(f models.Finding) error
	ListFindings(taskID string) ([]models.Finding, error)

	// Worker tree snapshots
	SaveNodes(nodes []models.ExecutionNode) error
	ListNodes(taskID string) ([]models.ExecutionNode, error)
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// WorkerInput is what a phase worker receives: the task, the acquired
// workspace and the accumulated state of earlier phases.
type WorkerInput struct {
	Task         models.AuditTask
	Phase        models.Phase
	NodeID       string
	WorkspaceDir string
	Findings     []models.Finding
	Artifacts    map[string]string
}

// WorkerResult is the additive outcome of one phase worker run.
type WorkerResult struct {
	Findings     []models.Finding
	Artifacts    map[string]string
	Success      bool
	TokensUsed   int
	ToolCalls    int
	Iterations   int
	FilesScanned int

	// Reconnaissance signals consumed by the router fallback.
	EntryPoints int
	RiskAreas   int
}

// Worker executes one phase as a bounded think/act/observe loop. The engine
// only sequences, records and aborts that work.
type Worker interface {
	Run(ctx context.Context, in WorkerInput) (WorkerResult, error)
}

// WorkerFactory builds the phase workers of a task's worker tree.
type WorkerFactory interface {
	NewWorker(phase models.Phase) (Worker, error)
}

// WorkerTree is the process-scoped arena of execution nodes, indexed by
// opaque id with parents referenced by id only. Teardown removes every node
// under a task id.
type WorkerTree struct {
	mu     sync.Mutex
	nodes  map[string]*models.ExecutionNode
	byTask map[string][]string
}

func NewWorkerTree() *WorkerTree {
	return &WorkerTree{
		nodes:  make(map[string]*models.ExecutionNode),
		byTask: make(map[string][]string),
	}
}

// Spawn adds a node under parentID (empty for the root) and returns its id.
func (t *WorkerTree) Spawn(taskID, parentID string, role models.NodeRole) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.NewString()
	t.nodes[id] = &models.ExecutionNode{
		ID:        id,
		TaskID:    taskID,
		ParentID:  parentID,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	t.byTask[taskID] = append(t.byTask[taskID], id)
	return id
}

// AddUsage accumulates a node's iteration/tool/token counters.
func (t *WorkerTree) AddUsage(nodeID string, iterations, toolCalls, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	n.Iterations += iterations
	n.ToolCalls += toolCalls
	n.TokensUsed += tokens
}

// Snapshot copies the nodes of one task, root first.
func (t *WorkerTree) Snapshot(taskID string) []models.ExecutionNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byTask[taskID]
	out := make([]models.ExecutionNode, 0, len(ids))
	for _, id := range ids {
		if n, ok := t.nodes[id]; ok {
			out = append(out, *n)
		}
	}
	return out
}

// Usage sums the live counters across a task's nodes for the status merge.
func (t *WorkerTree) Usage(taskID string) models.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	var p models.Progress
	for _, id := range t.byTask[taskID] {
		if n, ok := t.nodes[id]; ok {
			p.Iterations += n.Iterations
			p.ToolCalls += n.ToolCalls
			p.TokensUsed += n.TokensUsed
		}
	}
	return p
}

// RemoveTask drops all node ids under a task.
func (t *WorkerTree) RemoveTask(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.byTask[taskID] {
		delete(t.nodes, id)
	}
	delete(t.byTask, taskID)
}

package storage

import (
	"sort"
	"sync"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// mockStore implements Store with in-memory state. It is safe for
// concurrent use so unit tests can exercise the pipeline's emitters.
type mockStore struct {
	mu       *sync.Mutex
	tasks    map[string]*models.AuditTask
	events   map[string][]models.AuditEvent
	findings map[string]map[string]models.Finding // taskID -> fingerprint -> finding
	nodes    map[string][]models.ExecutionNode
}

// NewMockStore returns an empty in-memory store for tests and embedding.
func NewMockStore() Store {
	return &mockStore{
		mu:       &sync.Mutex{},
		tasks:    make(map[string]*models.AuditTask),
		events:   make(map[string][]models.AuditEvent),
		findings: make(map[string]map[string]models.Finding),
		nodes:    make(map[string][]models.ExecutionNode),
	}
}

// Begin returns the store itself: the mock has no real transactions.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveTask(t models.AuditTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockStore) GetTask(id string) (models.AuditTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.AuditTask{}, ErrNotFound
	}
	return *t, nil
}

func (m *mockStore) ListTasks() ([]models.AuditTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(id string, status models.TaskStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.ErrorMsg = errorMsg
	return nil
}

func (m *mockStore) UpdateTaskPhase(id string, phase models.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Phase = phase
	return nil
}

func (m *mockStore) UpdateTaskProgress(id string, p models.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Progress = p
	return nil
}

func (m *mockStore) UpdateTaskSeverities(id string, s models.SeverityCounts, riskScore int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Severities = s
	t.RiskScore = riskScore
	return nil
}

func (m *mockStore) AppendEvent(e models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.TaskID] = append(m.events[e.TaskID], e)
	return nil
}

func (m *mockStore) ListEventsAfter(taskID string, afterSeq int64, limit int) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range m.events[taskID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) UpsertFinding(f models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPrint, ok := m.findings[f.TaskID]
	if !ok {
		byPrint = make(map[string]models.Finding)
		m.findings[f.TaskID] = byPrint
	}
	if existing, ok := byPrint[f.Fingerprint]; ok {
		// Merge: status and confidence move, identity stays.
		existing.Status = f.Status
		existing.Confidence = f.Confidence
		byPrint[f.Fingerprint] = existing
		return nil
	}
	byPrint[f.Fingerprint] = f
	return nil
}

func (m *mockStore) ListFindings(taskID string) ([]models.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Finding
	for _, f := range m.findings[taskID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

func (m *mockStore) SaveNodes(nodes []models.ExecutionNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.nodes[n.TaskID] = append(m.nodes[n.TaskID], n)
	}
	return nil
}

func (m *mockStore) ListNodes(taskID string) ([]models.ExecutionNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ExecutionNode(nil), m.nodes[taskID]...), nil
}

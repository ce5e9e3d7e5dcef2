package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

func roleForPhase(p models.Phase) models.NodeRole {
	switch p {
	case models.ReconnaissancePhase:
		return models.ReconNode
	case models.AnalysisPhase:
		return models.AnalysisNode
	case models.VerificationPhase:
		return models.VerificationNode
	case models.ReportingPhase:
		return models.ReportingNode
	}
	return models.SpecialistNode
}

// PhaseOutcome is the accumulated state a finished phase machine hands back
// to the lifecycle controller.
type PhaseOutcome struct {
	Findings  []models.Finding
	Artifacts map[string]string
	Progress  models.Progress
}

// phaseMachine drives one task from reconnaissance through reporting, with
// analysis re-entered as often as the router asks. Phase results merge
// additively; the router picks each transition with the deterministic
// fallback behind it, and the iteration budget caps analysis re-entries
// regardless of router output.
type phaseMachine struct {
	task     models.AuditTask
	rootNode string
	wsDir    string

	pipeline *Pipeline
	router   RouterClient
	factory  WorkerFactory
	tree     *WorkerTree
	cancels  *CancelRegistry
	store    taskPhaseStore
	logger   Logger

	phaseMu   sync.Mutex
	lastPhase models.Phase

	findings    []models.Finding
	byPrint     map[string]int
	artifacts   map[string]string
	progress    models.Progress
	entryPoints int
	riskAreas   int
	analysisRan int
}

// taskPhaseStore is the slice of storage the machine touches.
type taskPhaseStore interface {
	UpdateTaskPhase(id string, phase models.Phase) error
	UpdateTaskProgress(id string, p models.Progress) error
}

func newPhaseMachine(task models.AuditTask, rootNode, wsDir string, pipeline *Pipeline, router RouterClient,
	factory WorkerFactory, tree *WorkerTree, cancels *CancelRegistry, store taskPhaseStore, logger Logger) *phaseMachine {
	return &phaseMachine{
		task:      task,
		rootNode:  rootNode,
		wsDir:     wsDir,
		pipeline:  pipeline,
		router:    router,
		factory:   factory,
		tree:      tree,
		cancels:   cancels,
		store:     store,
		logger:    logger,
		lastPhase: models.ReconnaissancePhase,
		byPrint:   make(map[string]int),
		artifacts: make(map[string]string),
	}
}

func (m *phaseMachine) setPhase(p models.Phase) {
	m.phaseMu.Lock()
	m.lastPhase = p
	m.phaseMu.Unlock()
}

// currentPhase is safe to call while Run is in flight on another goroutine,
// so the controller can report the phase an abandoned run was stuck in.
func (m *phaseMachine) currentPhase() models.Phase {
	m.phaseMu.Lock()
	defer m.phaseMu.Unlock()
	return m.lastPhase
}

// Run executes phases until Reporting completes or the task is cancelled or
// fails. The cooperative flag is checked at every phase boundary.
func (m *phaseMachine) Run(ctx context.Context) (*PhaseOutcome, error) {
	phase := models.ReconnaissancePhase
	for {
		if err := m.checkCancelled(ctx); err != nil {
			return nil, err
		}
		if err := m.runPhase(ctx, phase); err != nil {
			return nil, err
		}
		if phase == models.ReportingPhase {
			break
		}

		next, decision, source := m.nextPhase(ctx, phase)
		_ = m.pipeline.EmitLog(m.task.ID, phase, "phase transition", map[string]any{
			"from":   string(phase),
			"to":     string(next),
			"action": string(decision.Action),
			"reason": decision.Reason,
			"source": string(source),
		})
		phase = next
	}
	return &PhaseOutcome{
		Findings:  m.findings,
		Artifacts: m.artifacts,
		Progress:  m.progress,
	}, nil
}

// checkCancelled is the cooperative safe point, folding a forced context
// interruption into the same distinguished outcome.
func (m *phaseMachine) checkCancelled(ctx context.Context) error {
	if err := m.cancels.Check(m.task.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		if m.cancels.Requested(m.task.ID) {
			return ErrCancelled
		}
		return err
	}
	return nil
}

func (m *phaseMachine) runPhase(ctx context.Context, phase models.Phase) error {
	m.setPhase(phase)
	if err := m.store.UpdateTaskPhase(m.task.ID, phase); err != nil {
		m.logger.Errorf("Failed to persist phase %s for task %s: %v", phase, m.task.ID, err)
	}
	_ = m.pipeline.Emit(models.AuditEvent{
		TaskID: m.task.ID,
		Kind:   models.PhaseStartedEvent,
		Phase:  phase,
	})

	nodeID := m.tree.Spawn(m.task.ID, m.rootNode, roleForPhase(phase))
	worker, err := m.factory.NewWorker(phase)
	if err != nil {
		return errors.Wrapf(err, "build %s worker", phase)
	}

	out, runErr := worker.Run(ctx, WorkerInput{
		Task:         m.task,
		Phase:        phase,
		NodeID:       nodeID,
		WorkspaceDir: m.wsDir,
		Findings:     append([]models.Finding(nil), m.findings...),
		Artifacts:    copyArtifacts(m.artifacts),
	})
	m.tree.AddUsage(nodeID, out.Iterations, out.ToolCalls, out.TokensUsed)
	m.merge(phase, out)
	if phase == models.AnalysisPhase {
		m.analysisRan++
	}

	if runErr != nil {
		if err := m.checkCancelled(ctx); err != nil {
			return err
		}
		// Worker errors abort the phase only when it produced nothing at all.
		if len(out.Findings) == 0 && len(out.Artifacts) == 0 {
			return errors.Wrapf(runErr, "%s phase produced no artifact", phase)
		}
		_ = m.pipeline.EmitLog(m.task.ID, phase, "phase error absorbed", map[string]any{
			"error": runErr.Error(),
		})
	}

	_ = m.pipeline.Emit(models.AuditEvent{
		TaskID: m.task.ID,
		Kind:   models.PhaseCompletedEvent,
		Phase:  phase,
		Payload: mustJSONRaw(map[string]any{
			"success":      runErr == nil,
			"new_findings": len(out.Findings),
			"iterations":   out.Iterations,
			"tool_calls":   out.ToolCalls,
			"tokens_used":  out.TokensUsed,
		}),
	})
	if err := m.store.UpdateTaskProgress(m.task.ID, m.progress); err != nil {
		m.logger.Errorf("Failed to persist progress for task %s: %v", m.task.ID, err)
	}
	_ = m.pipeline.EmitProgress(m.task.ID, phase, m.progress)
	return nil
}

// merge folds a phase result into task state additively, never
// destructively. Findings dedupe by fingerprint: a re-reported fingerprint
// updates status and confidence instead of adding a duplicate.
func (m *phaseMachine) merge(phase models.Phase, out WorkerResult) {
	m.progress.Iterations += out.Iterations
	m.progress.ToolCalls += out.ToolCalls
	m.progress.TokensUsed += out.TokensUsed
	m.progress.FilesScanned += out.FilesScanned
	m.entryPoints += out.EntryPoints
	m.riskAreas += out.RiskAreas

	for k, v := range out.Artifacts {
		m.artifacts[k] = v
	}
	for _, f := range out.Findings {
		if f.Fingerprint == "" {
			f.Fingerprint = f.ComputeFingerprint()
		}
		if f.Status == "" {
			f.Status = models.NewFinding
		}
		if idx, ok := m.byPrint[f.Fingerprint]; ok {
			m.findings[idx].Status = f.Status
			m.findings[idx].Confidence = f.Confidence
			continue
		}
		f.TaskID = m.task.ID
		m.byPrint[f.Fingerprint] = len(m.findings)
		m.findings = append(m.findings, f)
		_ = m.pipeline.Emit(models.AuditEvent{
			TaskID:  m.task.ID,
			Kind:    models.FindingEvent,
			Phase:   phase,
			Message: f.Category,
			Payload: mustJSONRaw(f),
		})
	}
}

func (m *phaseMachine) summary(phase models.Phase) StateSummary {
	confirmed, falsePositives := 0, 0
	for _, f := range m.findings {
		switch f.Status {
		case models.VerifiedFinding:
			confirmed++
		case models.FalsePositiveFinding:
			falsePositives++
		}
	}
	return StateSummary{
		Phase:           phase,
		Findings:        len(m.findings),
		Confirmed:       confirmed,
		FalsePositives:  falsePositives,
		EntryPoints:     m.entryPoints,
		RiskAreas:       m.riskAreas,
		AnalysisEntries: m.analysisRan,
		MaxIterations:   m.task.Config.MaxIterations,
	}
}

func (m *phaseMachine) nextPhase(ctx context.Context, phase models.Phase) (models.Phase, RouterDecision, routeSource) {
	next, decision, source := route(ctx, m.router, m.summary(phase), m.logger)
	// Non-termination guard: the iteration budget caps Analysis re-entries
	// no matter what the router said.
	if next == models.AnalysisPhase && m.analysisRan >= m.task.Config.MaxIterations {
		return models.ReportingPhase, RouterDecision{
			Action: ActionReport,
			Reason: "iteration budget exhausted",
		}, routeSourceCeiling
	}
	return next, decision, source
}

func copyArtifacts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

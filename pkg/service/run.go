package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lintsinghua/XCodeReviewer-sub001/internal/metrics"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

const maxErrorMessageLen = 300

type machineResult struct {
	outcome *PhaseOutcome
	err     error
}

// execute drives one accepted task from PENDING to a terminal status. It is
// the only writer of the task's status and phase columns while it runs.
func (s *AuditService) execute(taskID string) {
	defer s.wg.Done()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.finish(taskID, models.FailedTaskStatus, "service shut down before the task started", models.PlanningPhase)
		s.cleanup(taskID, "")
		return
	}
	defer s.sem.Release(1)

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Errorf("Task %s vanished before pickup: %v", taskID, err)
		s.cleanup(taskID, "")
		return
	}
	task.Config = s.resolveConfig(task.Config)

	// Cancellation requested before pickup is honored without starting.
	if s.cancels.Requested(taskID) {
		s.finish(taskID, models.CancelledTaskStatus, "", models.PlanningPhase)
		s.cleanup(taskID, "")
		return
	}

	timeout := time.Duration(task.Config.TimeoutSeconds) * time.Second
	runCtx, cancelRun := context.WithTimeout(s.ctx, timeout)
	defer cancelRun()
	s.cancels.Arm(taskID, cancelRun)

	watcherStop := make(chan struct{})
	defer close(watcherStop)
	go s.watchForcedCancel(runCtx, taskID, cancelRun, watcherStop)

	metrics.AuditsRunning.Inc()
	defer metrics.AuditsRunning.Dec()

	if err := s.store.UpdateTaskStatus(taskID, models.RunningTaskStatus, ""); err != nil {
		s.logger.Errorf("Failed to mark task %s running: %v", taskID, err)
		s.cleanup(taskID, "")
		return
	}
	s.pipeline.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.PhaseStartedEvent,
		Phase:   models.PlanningPhase,
		Message: "acquiring project workspace",
	})

	wsDir, err := s.workspaces.Acquire(runCtx, task)
	if err != nil {
		if s.wasCancelled(runCtx, taskID, err) {
			s.finish(taskID, models.CancelledTaskStatus, "", models.PlanningPhase)
		} else {
			s.finish(taskID, models.FailedTaskStatus, truncateMessage(err.Error()), models.PlanningPhase)
		}
		s.cleanup(taskID, "")
		return
	}
	s.pipeline.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.PhaseCompletedEvent,
		Phase:   models.PlanningPhase,
		Message: "workspace ready",
	})

	rootID := s.tree.Spawn(taskID, "", models.RootNode)
	machine := newPhaseMachine(task, rootID, wsDir, s.pipeline, s.router, s.factory, s.tree, s.cancels, s.store, s.logger)

	resCh := make(chan machineResult, 1)
	go func() {
		outcome, runErr := machine.Run(runCtx)
		resCh <- machineResult{outcome: outcome, err: runErr}
	}()

	var res machineResult
	select {
	case res = <-resCh:
	case <-runCtx.Done():
		// Give the phase machine a bounded window to unwind through its
		// own cancellation checks, then stop waiting on it.
		select {
		case res = <-resCh:
		case <-time.After(s.forcedGrace):
			// Carry the context error so the switch below distinguishes a
			// wall-clock timeout from a requested cancellation.
			res = machineResult{err: runCtx.Err()}
			s.logger.Errorf("Task %s workers did not unwind within %s, abandoning", taskID, s.forcedGrace)
		}
	}

	lastPhase := machine.currentPhase()
	switch {
	case res.err == nil:
		s.complete(taskID, res.outcome)
	case s.wasCancelled(runCtx, taskID, res.err):
		s.finish(taskID, models.CancelledTaskStatus, "", lastPhase)
	case runCtx.Err() == context.DeadlineExceeded:
		s.finish(taskID, models.FailedTaskStatus, fmt.Sprintf("audit timed out after %s", timeout), lastPhase)
	default:
		s.finish(taskID, models.FailedTaskStatus, truncateMessage(res.err.Error()), lastPhase)
	}
	s.cleanup(taskID, wsDir)
}

// watchForcedCancel polls the sticky cancel flag so a request lands even
// while a worker is blocked inside a tool call.
func (s *AuditService) watchForcedCancel(ctx context.Context, taskID string, kill context.CancelFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(watcherPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.cancels.Requested(taskID) {
				kill()
				return
			}
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

func (s *AuditService) wasCancelled(ctx context.Context, taskID string, err error) bool {
	if err == ErrCancelled {
		return true
	}
	return ctx.Err() != nil && s.cancels.Requested(taskID)
}

// complete persists the outcome of a successful run and marks it COMPLETED.
func (s *AuditService) complete(taskID string, outcome *PhaseOutcome) {
	if outcome == nil {
		outcome = &PhaseOutcome{}
	}
	now := time.Now().UTC()
	for i := range outcome.Findings {
		f := outcome.Findings[i]
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.TaskID = taskID
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if err := s.store.UpsertFinding(f); err != nil {
			s.logger.Errorf("Failed to persist finding %s for task %s: %v", f.Fingerprint, taskID, err)
		}
	}
	counts, score := severityRollup(outcome.Findings)
	if err := s.store.UpdateTaskSeverities(taskID, counts, score); err != nil {
		s.logger.Errorf("Failed to persist severity rollup for task %s: %v", taskID, err)
	}
	if err := s.store.UpdateTaskProgress(taskID, outcome.Progress); err != nil {
		s.logger.Errorf("Failed to persist progress for task %s: %v", taskID, err)
	}
	s.finish(taskID, models.CompletedTaskStatus, "", models.ReportingPhase)
}

// finish records the terminal status and emits the terminal event exactly
// once; a task already terminal is left untouched.
func (s *AuditService) finish(taskID string, status models.TaskStatus, errMsg string, phase models.Phase) {
	current, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Errorf("Failed to load task %s for terminal transition: %v", taskID, err)
		return
	}
	if current.Status.Terminal() {
		return
	}
	if !models.ValidStatusTransition(current.Status, status) {
		s.logger.Errorf("Refusing invalid transition %s -> %s for task %s", current.Status, status, taskID)
		return
	}
	if err := s.store.UpdateTaskStatus(taskID, status, errMsg); err != nil {
		s.logger.Errorf("Failed to persist terminal status for task %s: %v", taskID, err)
		return
	}
	s.pipeline.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.TaskTerminalEvent,
		Phase:   phase,
		Message: string(status),
		Payload: mustJSONRaw(map[string]string{"status": string(status), "error": errMsg}),
	})
	metrics.AuditsTerminalTotal.WithLabelValues(string(status)).Inc()
	s.logger.Infof("Task %s finished with status %s", taskID, status)
}

// cleanup tears down per-task state regardless of how the run ended.
func (s *AuditService) cleanup(taskID, wsDir string) {
	if nodes := s.tree.Snapshot(taskID); len(nodes) > 0 {
		if err := s.store.SaveNodes(nodes); err != nil {
			s.logger.Errorf("Failed to persist execution tree for task %s: %v", taskID, err)
		}
	}
	s.tree.RemoveTask(taskID)
	if wsDir != "" {
		s.workspaces.Release(wsDir)
	}
	s.subs.Remove(taskID)
	s.pipeline.Remove(taskID)
	s.cancels.Release(taskID)
}

func severityRollup(findings []models.Finding) (models.SeverityCounts, int) {
	var counts models.SeverityCounts
	score := 0
	for _, f := range findings {
		switch f.Severity {
		case models.SeverityCritical:
			counts.Critical++
		case models.SeverityHigh:
			counts.High++
		case models.SeverityMedium:
			counts.Medium++
		case models.SeverityLow:
			counts.Low++
		case models.SeverityInfo:
			counts.Info++
		}
		if f.Status != models.FalsePositiveFinding {
			score += f.Severity.Weight()
		}
	}
	if score > 100 {
		score = 100
	}
	return counts, score
}

func truncateMessage(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	return msg[:maxErrorMessageLen] + "..."
}

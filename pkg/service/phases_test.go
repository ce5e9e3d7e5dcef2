package service

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

type scriptedFactory struct {
	workers map[models.Phase]func(in WorkerInput) (WorkerResult, error)
}

type scriptedWorker struct {
	run func(in WorkerInput) (WorkerResult, error)
}

func (w scriptedWorker) Run(ctx context.Context, in WorkerInput) (WorkerResult, error) {
	if err := ctx.Err(); err != nil {
		return WorkerResult{}, err
	}
	return w.run(in)
}

func (f scriptedFactory) NewWorker(phase models.Phase) (Worker, error) {
	run, ok := f.workers[phase]
	if !ok {
		return nil, errors.Errorf("no worker for phase %q", phase)
	}
	return scriptedWorker{run: run}, nil
}

func testFinding(category, file string, line int, status models.FindingStatus) models.Finding {
	f := models.Finding{
		Category: category,
		Severity: models.SeverityHigh,
		File:     file,
		Line:     line,
		Status:   status,
	}
	f.Fingerprint = f.ComputeFingerprint()
	return f
}

func newMachineFixture(t *testing.T, cfg models.TaskConfig, router RouterClient, factory WorkerFactory) (*phaseMachine, storage.Store) {
	t.Helper()
	store := storage.NewMockStore()
	task := models.AuditTask{
		ID:     "task-1",
		Status: models.RunningTaskStatus,
		Phase:  models.PlanningPhase,
		Config: cfg,
	}
	assert.NoError(t, store.SaveTask(task))

	subs := NewSubscriberRegistry(nopLogger{})
	subs.Create(task.ID)
	pipeline := NewPipeline(store, subs, nopLogger{})
	pipeline.Init(task.ID)

	cancels := NewCancelRegistry()
	cancels.Register(task.ID)
	tree := NewWorkerTree()
	root := tree.Spawn(task.ID, "", models.RootNode)

	return newPhaseMachine(task, root, t.TempDir(), pipeline, router, factory, tree, cancels, store, nopLogger{}), store
}

func TestPhaseMachineHappyPath(t *testing.T) {
	finding := testFinding("injection", "db.go", 10, models.NewFinding)
	verified := finding
	verified.Status = models.VerifiedFinding
	verified.Confidence = 0.9

	factory := scriptedFactory{workers: map[models.Phase]func(in WorkerInput) (WorkerResult, error){
		models.ReconnaissancePhase: func(in WorkerInput) (WorkerResult, error) {
			return WorkerResult{Success: true, Iterations: 1, EntryPoints: 2, RiskAreas: 1, FilesScanned: 12}, nil
		},
		models.AnalysisPhase: func(in WorkerInput) (WorkerResult, error) {
			assert.Empty(t, in.Findings)
			return WorkerResult{Success: true, Iterations: 1, ToolCalls: 3, TokensUsed: 500, Findings: []models.Finding{finding}}, nil
		},
		models.VerificationPhase: func(in WorkerInput) (WorkerResult, error) {
			assert.Len(t, in.Findings, 1)
			return WorkerResult{Success: true, Iterations: 1, Findings: []models.Finding{verified}}, nil
		},
		models.ReportingPhase: func(in WorkerInput) (WorkerResult, error) {
			return WorkerResult{Success: true, Iterations: 1, Artifacts: map[string]string{"report.md": "# report"}}, nil
		},
	}}

	// One analysis entry allowed: the fallback router hands over to
	// verification once the budget is spent.
	machine, store := newMachineFixture(t, models.TaskConfig{MaxIterations: 1}, nil, factory)
	outcome, err := machine.Run(context.Background())
	assert.NoError(t, err)
	assert.NotNil(t, outcome)

	assert.Len(t, outcome.Findings, 1)
	assert.Equal(t, models.VerifiedFinding, outcome.Findings[0].Status)
	assert.Equal(t, "# report", outcome.Artifacts["report.md"])
	assert.Equal(t, 4, outcome.Progress.Iterations)
	assert.Equal(t, 3, outcome.Progress.ToolCalls)
	assert.Equal(t, 500, outcome.Progress.TokensUsed)
	assert.Equal(t, 12, outcome.Progress.FilesScanned)

	// The persisted record followed the machine into reporting.
	task, err := store.GetTask("task-1")
	assert.NoError(t, err)
	assert.Equal(t, models.ReportingPhase, task.Phase)

	// Phase boundaries left a durable trail.
	events, err := store.ListEventsAfter("task-1", 0, 100)
	assert.NoError(t, err)
	var started []models.Phase
	for _, e := range events {
		if e.Kind == models.PhaseStartedEvent {
			started = append(started, e.Phase)
		}
	}
	assert.Equal(t, []models.Phase{
		models.ReconnaissancePhase,
		models.AnalysisPhase,
		models.VerificationPhase,
		models.ReportingPhase,
	}, started)
}

func TestPhaseMachineCeilingGuard(t *testing.T) {
	// A router that always wants more analysis.
	router := &stubRouter{decision: RouterDecision{Action: ActionAnalyze, Reason: "keep digging"}}

	analysisRuns := 0
	factory := scriptedFactory{workers: map[models.Phase]func(in WorkerInput) (WorkerResult, error){
		models.ReconnaissancePhase: func(in WorkerInput) (WorkerResult, error) {
			return WorkerResult{Success: true, EntryPoints: 1}, nil
		},
		models.AnalysisPhase: func(in WorkerInput) (WorkerResult, error) {
			analysisRuns++
			return WorkerResult{Success: true, Iterations: 1}, nil
		},
		models.ReportingPhase: func(in WorkerInput) (WorkerResult, error) {
			return WorkerResult{Success: true}, nil
		},
	}}

	machine, store := newMachineFixture(t, models.TaskConfig{MaxIterations: 2}, router, factory)
	outcome, err := machine.Run(context.Background())
	assert.NoError(t, err)
	assert.NotNil(t, outcome)
	assert.Equal(t, 2, analysisRuns)

	// The forced transition is recorded with its source.
	events, err := store.ListEventsAfter("task-1", 0, 100)
	assert.NoError(t, err)
	sawCeiling := false
	for _, e := range events {
		if e.Kind == models.LogEvent && e.Message == "phase transition" {
			if strings.Contains(string(e.Payload), `"source":"ceiling"`) {
				sawCeiling = true
			}
		}
	}
	assert.True(t, sawCeiling, "expected a ceiling-forced transition in the event log")
}

func TestPhaseMachineCancellation(t *testing.T) {
	factory := scriptedFactory{workers: map[models.Phase]func(in WorkerInput) (WorkerResult, error){
		models.ReconnaissancePhase: func(in WorkerInput) (WorkerResult, error) {
			return WorkerResult{Success: true, EntryPoints: 1}, nil
		},
		models.AnalysisPhase: func(in WorkerInput) (WorkerResult, error) {
			return WorkerResult{Success: true, Iterations: 1}, nil
		},
	}}

	machine, _ := newMachineFixture(t, models.TaskConfig{MaxIterations: 5}, nil, factory)
	// Flag set before the run: the first safe point returns the
	// distinguished outcome without touching any worker.
	assert.True(t, machine.cancels.Request("task-1"))
	outcome, err := machine.Run(context.Background())
	assert.Nil(t, outcome)
	assert.Equal(t, ErrCancelled, err)
}

func TestPhaseMachineWorkerErrors(t *testing.T) {
	t.Run("BarrenFailureAborts", func(t *testing.T) {
		factory := scriptedFactory{workers: map[models.Phase]func(in WorkerInput) (WorkerResult, error){
			models.ReconnaissancePhase: func(in WorkerInput) (WorkerResult, error) {
				return WorkerResult{}, errors.New("workspace unreadable")
			},
		}}
		machine, _ := newMachineFixture(t, models.TaskConfig{MaxIterations: 2}, nil, factory)
		_, err := machine.Run(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "reconnaissance phase produced no artifact")
	})

	t.Run("PartialFailureIsAbsorbed", func(t *testing.T) {
		finding := testFinding("xss", "web.js", 3, models.NewFinding)
		factory := scriptedFactory{workers: map[models.Phase]func(in WorkerInput) (WorkerResult, error){
			models.ReconnaissancePhase: func(in WorkerInput) (WorkerResult, error) {
				return WorkerResult{Success: true, EntryPoints: 1}, nil
			},
			models.AnalysisPhase: func(in WorkerInput) (WorkerResult, error) {
				return WorkerResult{Findings: []models.Finding{finding}, Iterations: 1}, errors.New("ran out of tokens")
			},
			models.VerificationPhase: func(in WorkerInput) (WorkerResult, error) {
				return WorkerResult{Success: true}, nil
			},
			models.ReportingPhase: func(in WorkerInput) (WorkerResult, error) {
				return WorkerResult{Success: true}, nil
			},
		}}
		machine, _ := newMachineFixture(t, models.TaskConfig{MaxIterations: 1}, nil, factory)
		outcome, err := machine.Run(context.Background())
		assert.NoError(t, err)
		assert.Len(t, outcome.Findings, 1)
	})
}

func TestPhaseMachineMergeDedupes(t *testing.T) {
	first := testFinding("injection", "db.go", 7, models.NewFinding)
	again := first
	again.Status = models.VerifiedFinding
	again.Confidence = 0.8
	other := testFinding("secrets", "cfg.go", 1, models.NewFinding)

	machine, store := newMachineFixture(t, models.TaskConfig{MaxIterations: 2}, nil, scriptedFactory{})
	machine.merge(models.AnalysisPhase, WorkerResult{Findings: []models.Finding{first, other}})
	machine.merge(models.VerificationPhase, WorkerResult{Findings: []models.Finding{again}})

	assert.Len(t, machine.findings, 2)
	assert.Equal(t, models.VerifiedFinding, machine.findings[0].Status)
	assert.Equal(t, 0.8, machine.findings[0].Confidence)

	// Only new fingerprints produced finding events.
	events, err := store.ListEventsAfter("task-1", 0, 100)
	assert.NoError(t, err)
	findingEvents := 0
	for _, e := range events {
		if e.Kind == models.FindingEvent {
			findingEvents++
		}
	}
	assert.Equal(t, 2, findingEvents)
}

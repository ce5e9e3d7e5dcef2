package service

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/lintsinghua/XCodeReviewer-sub001/internal/metrics"
	"github.com/lintsinghua/XCodeReviewer-sub001/internal/workspace"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

// Logger defines the logging interface for AuditService
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	maxIterationsCeiling = 100
	maxTimeout           = 4 * time.Hour
	watcherPollInterval  = 100 * time.Millisecond
)

// Defaults are the account-level settings a task config overlays.
type Defaults struct {
	VerificationLevel models.VerificationLevel
	MaxIterations     int
	Timeout           time.Duration
}

// Options wires the external collaborators and operating limits.
type Options struct {
	Workspaces        workspace.Provider
	Router            RouterClient
	Factory           WorkerFactory
	Defaults          Defaults
	MaxConcurrent     int64
	ForcedCancelGrace time.Duration
	PollInterval      time.Duration
	IdleTimeout       time.Duration
}

// AuditService is the task lifecycle controller: it validates submissions,
// schedules one goroutine per accepted task behind a concurrency ceiling,
// serves status snapshots and owns the process-scoped registries.
type AuditService struct {
	store    storage.Store
	ctx      context.Context
	logger   Logger
	subs     *SubscriberRegistry
	pipeline *Pipeline
	cancels  *CancelRegistry
	tree     *WorkerTree

	workspaces workspace.Provider
	router     RouterClient
	factory    WorkerFactory
	defaults   Defaults

	sem          *semaphore.Weighted
	forcedGrace  time.Duration
	pollInterval time.Duration
	idleTimeout  time.Duration
	wg           sync.WaitGroup
}

func NewAuditService(ctx context.Context, store storage.Store, logger Logger, opts Options) *AuditService {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.ForcedCancelGrace <= 0 {
		opts.ForcedCancelGrace = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.Defaults.MaxIterations <= 0 {
		opts.Defaults.MaxIterations = 10
	}
	if opts.Defaults.Timeout <= 0 {
		opts.Defaults.Timeout = time.Hour
	}
	if opts.Defaults.VerificationLevel == "" {
		opts.Defaults.VerificationLevel = models.VerificationAnalysisOnly
	}

	subs := NewSubscriberRegistry(logger)
	return &AuditService{
		store:        store,
		ctx:          ctx,
		logger:       logger,
		subs:         subs,
		pipeline:     NewPipeline(store, subs, logger),
		cancels:      NewCancelRegistry(),
		tree:         NewWorkerTree(),
		workspaces:   opts.Workspaces,
		router:       opts.Router,
		factory:      opts.Factory,
		defaults:     opts.Defaults,
		sem:          semaphore.NewWeighted(opts.MaxConcurrent),
		forcedGrace:  opts.ForcedCancelGrace,
		pollInterval: opts.PollInterval,
		idleTimeout:  opts.IdleTimeout,
	}
}

// Pipeline exposes the event entry point for embedders wiring their own
// workers and tool runners.
func (s *AuditService) Pipeline() *Pipeline { return s.pipeline }

// SetFactory installs the worker factory after construction, for factories
// that need the service's own pipeline. Must be called before the first
// submission.
func (s *AuditService) SetFactory(f WorkerFactory) { s.factory = f }

// SubmitRequest is the submission boundary's input.
type SubmitRequest struct {
	Project models.ProjectRef `json:"project"`
	Config  models.TaskConfig `json:"config"`
}

// Submit validates the request, persists a PENDING task and schedules its
// execution. Configuration errors are rejected here and no task is created.
func (s *AuditService) Submit(req SubmitRequest) (string, error) {
	cfg := s.resolveConfig(req.Config)
	if err := validateProject(req.Project); err != nil {
		return "", err
	}
	if err := validateConfig(cfg); err != nil {
		return "", err
	}

	task := models.AuditTask{
		ID:        uuid.NewString(),
		Project:   req.Project,
		Status:    models.PendingTaskStatus,
		Phase:     models.PlanningPhase,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveTask(task); err != nil {
		return "", errors.Wrap(err, "persist task")
	}

	// Registries live from submit until terminal cleanup.
	s.cancels.Register(task.ID)
	s.subs.Create(task.ID)
	s.pipeline.Init(task.ID)

	metrics.AuditsSubmittedTotal.Inc()
	s.wg.Add(1)
	go s.execute(task.ID)

	s.logger.Infof("Submitted audit task %s", task.ID)
	return task.ID, nil
}

// Cancel requests cooperative cancellation. It is idempotent, a remembered
// no-op before pickup and a plain no-op once the task is terminal.
func (s *AuditService) Cancel(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	if s.cancels.Request(taskID) {
		s.logger.Infof("Cancellation requested for task %s", taskID)
	}
	return nil
}

// Status merges the persisted record with the live worker-tree counters of
// a running task. It never blocks on the running task.
func (s *AuditService) Status(taskID string) (models.AuditTask, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.AuditTask{}, err
	}
	if task.Status == models.RunningTaskStatus {
		live := s.tree.Usage(taskID)
		task.Progress.Iterations = maxInt(task.Progress.Iterations, live.Iterations)
		task.Progress.ToolCalls = maxInt(task.Progress.ToolCalls, live.ToolCalls)
		task.Progress.TokensUsed = maxInt(task.Progress.TokensUsed, live.TokensUsed)
	}
	return task, nil
}

func (s *AuditService) ListTasks() ([]models.AuditTask, error) {
	return s.store.ListTasks()
}

// Events is the paged historical query over the durable log.
func (s *AuditService) Events(taskID string, afterSeq int64, limit int) ([]models.AuditEvent, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.store.ListEventsAfter(taskID, afterSeq, limit)
}

func (s *AuditService) Findings(taskID string) ([]models.Finding, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.store.ListFindings(taskID)
}

func (s *AuditService) Nodes(taskID string) ([]models.ExecutionNode, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.store.ListNodes(taskID)
}

// Wait blocks until every scheduled task goroutine has finished. Used on
// shutdown and in tests.
func (s *AuditService) Wait() { s.wg.Wait() }

// resolveConfig overlays task settings over the account defaults.
func (s *AuditService) resolveConfig(cfg models.TaskConfig) models.TaskConfig {
	if cfg.VerificationLevel == "" {
		cfg.VerificationLevel = s.defaults.VerificationLevel
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = s.defaults.MaxIterations
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = int(s.defaults.Timeout / time.Second)
	}
	return cfg
}

func validateProject(ref models.ProjectRef) error {
	switch ref.Kind {
	case models.ArchiveProject:
		if strings.TrimSpace(ref.ArchivePath) == "" {
			return errors.New("archive project requires an archive path")
		}
	case models.RepositoryProject:
		if strings.TrimSpace(ref.RepoURL) == "" {
			return errors.New("repository project requires a repo url")
		}
		u, err := url.Parse(ref.RepoURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Errorf("invalid repo url %q", ref.RepoURL)
		}
	default:
		return errors.Errorf("unknown project kind %q", ref.Kind)
	}
	return nil
}

func validateConfig(cfg models.TaskConfig) error {
	if len(cfg.VulnScope) == 0 {
		return errors.New("vulnerability scope cannot be empty")
	}
	for _, scope := range cfg.VulnScope {
		if strings.TrimSpace(scope) == "" {
			return errors.New("vulnerability scope entries cannot be blank")
		}
	}
	if !cfg.VerificationLevel.Valid() {
		return errors.Errorf("invalid verification level %q", cfg.VerificationLevel)
	}
	if cfg.MaxIterations < 1 || cfg.MaxIterations > maxIterationsCeiling {
		return errors.Errorf("max iterations must be between 1 and %d", maxIterationsCeiling)
	}
	if cfg.TimeoutSeconds < 1 || time.Duration(cfg.TimeoutSeconds)*time.Second > maxTimeout {
		return errors.Errorf("timeout must be between 1s and %s", maxTimeout)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// taskRow flattens AuditTask into the audit_tasks columns. The config is a
// jsonb blob; the project reference and counters are plain columns.
type taskRow struct {
	ID            string     `db:"id"`
	ProjectKind   string     `db:"project_kind"`
	ArchivePath   string     `db:"archive_path"`
	RepoURL       string     `db:"repo_url"`
	Branch        string     `db:"branch"`
	DefaultBranch string     `db:"default_branch"`
	Status        string     `db:"status"`
	Phase         string     `db:"phase"`
	Config        []byte     `db:"config"`
	FilesScanned  int        `db:"files_scanned"`
	Iterations    int        `db:"iterations"`
	ToolCalls     int        `db:"tool_calls"`
	TokensUsed    int        `db:"tokens_used"`
	SevCritical   int        `db:"sev_critical"`
	SevHigh       int        `db:"sev_high"`
	SevMedium     int        `db:"sev_medium"`
	SevLow        int        `db:"sev_low"`
	SevInfo       int        `db:"sev_info"`
	RiskScore     int        `db:"risk_score"`
	ErrorMsg      string     `db:"error_msg"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

func (r taskRow) toModel() (models.AuditTask, error) {
	var cfg models.TaskConfig
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return models.AuditTask{}, fmt.Errorf("decode task config: %w", err)
		}
	}
	return models.AuditTask{
		ID: r.ID,
		Project: models.ProjectRef{
			Kind:          models.ProjectKind(r.ProjectKind),
			ArchivePath:   r.ArchivePath,
			RepoURL:       r.RepoURL,
			Branch:        r.Branch,
			DefaultBranch: r.DefaultBranch,
		},
		Status: models.TaskStatus(r.Status),
		Phase:  models.Phase(r.Phase),
		Config: cfg,
		Progress: models.Progress{
			FilesScanned: r.FilesScanned,
			Iterations:   r.Iterations,
			ToolCalls:    r.ToolCalls,
			TokensUsed:   r.TokensUsed,
		},
		Severities: models.SeverityCounts{
			Critical: r.SevCritical,
			High:     r.SevHigh,
			Medium:   r.SevMedium,
			Low:      r.SevLow,
			Info:     r.SevInfo,
		},
		RiskScore:  r.RiskScore,
		ErrorMsg:   r.ErrorMsg,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}, nil
}

// SaveTask inserts the task row created at submission
func (s *PostgresStore) SaveTask(t models.AuditTask) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode task config: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_tasks
		(id, project_kind, archive_path, repo_url, branch, default_branch, status, phase, config, error_msg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Project.Kind, t.Project.ArchivePath, t.Project.RepoURL, t.Project.Branch,
		t.Project.DefaultBranch, t.Status, t.Phase, cfg, t.ErrorMsg, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(id string) (models.AuditTask, error) {
	var row taskRow
	err := s.db.Get(&row, "SELECT * FROM audit_tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.AuditTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.AuditTask{}, err
	}
	return row.toModel()
}

func (s *PostgresStore) ListTasks() ([]models.AuditTask, error) {
	rows := []taskRow{}
	err := s.db.Select(&rows, "SELECT * FROM audit_tasks ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	tasks := make([]models.AuditTask, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateTaskStatus updates the status and error message of a task. The
// started and finished timestamps follow the status edge.
func (s *PostgresStore) UpdateTaskStatus(id string, status models.TaskStatus, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE audit_tasks
		SET status = $1,
		error_msg = $2,
		started_at = CASE WHEN $3 = 'RUNNING' THEN CURRENT_TIMESTAMP ELSE started_at END,
		finished_at = CASE WHEN $4 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE id = $5`,
		// PostgreSQL treats each CASE parameter as separate so the status is passed again per clause
		status, errorMsg, status, status, id)
	return err
}

func (s *PostgresStore) UpdateTaskPhase(id string, phase models.Phase) error {
	_, err := s.db.Exec("UPDATE audit_tasks SET phase = $1 WHERE id = $2", phase, id)
	return err
}

func (s *PostgresStore) UpdateTaskProgress(id string, p models.Progress) error {
	_, err := s.db.Exec(`
		UPDATE audit_tasks
		SET files_scanned = $1, iterations = $2, tool_calls = $3, tokens_used = $4
		WHERE id = $5`,
		p.FilesScanned, p.Iterations, p.ToolCalls, p.TokensUsed, id)
	return err
}

func (s *PostgresStore) UpdateTaskSeverities(id string, c models.SeverityCounts, riskScore int) error {
	_, err := s.db.Exec(`
		UPDATE audit_tasks
		SET sev_critical = $1, sev_high = $2, sev_medium = $3, sev_low = $4, sev_info = $5, risk_score = $6
		WHERE id = $7`,
		c.Critical, c.High, c.Medium, c.Low, c.Info, riskScore, id)
	return err
}

// AppendEvent writes one row of the durable log. The unique (task_id, seq)
// index rejects a duplicate sequence instead of silently reordering.
func (s *PostgresStore) AppendEvent(e models.AuditEvent) error {
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_events (id, task_id, seq, kind, phase, message, payload, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TaskID, e.Seq, e.Kind, e.Phase, e.Message, payload, e.EmittedAt)
	if err != nil {
		return fmt.Errorf("append event seq %d for task %s: %w", e.Seq, e.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) ListEventsAfter(taskID string, afterSeq int64, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	events := []models.AuditEvent{}
	err := s.db.Select(&events, `
		SELECT id, task_id, seq, kind, phase, message, payload, emitted_at
		FROM audit_events
		WHERE task_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		taskID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// UpsertFinding inserts a finding or, on a fingerprint collision, refreshes
// the mutable review fields of the existing row.
func (s *PostgresStore) UpsertFinding(f models.Finding) error {
	_, err := s.db.Exec(`
		INSERT INTO findings (id, task_id, category, severity, file, line, snippet, status, confidence, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id, fingerprint)
		DO UPDATE SET status = EXCLUDED.status, confidence = EXCLUDED.confidence, severity = EXCLUDED.severity`,
		f.ID, f.TaskID, f.Category, f.Severity, f.File, f.Line, f.Snippet, f.Status, f.Confidence, f.Fingerprint, f.CreatedAt)
	return err
}

func (s *PostgresStore) ListFindings(taskID string) ([]models.Finding, error) {
	findings := []models.Finding{}
	err := s.db.Select(&findings, `
		SELECT id, task_id, category, severity, file, line, snippet, status, confidence, fingerprint, created_at
		FROM findings
		WHERE task_id = $1
		ORDER BY created_at, id`,
		taskID)
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// SaveNodes replaces the persisted worker tree snapshot of the tasks the
// nodes belong to.
func (s *PostgresStore) SaveNodes(nodes []models.ExecutionNode) error {
	if len(nodes) == 0 {
		return nil
	}
	for _, n := range nodes {
		_, err := s.db.Exec(`
			INSERT INTO execution_nodes (id, task_id, parent_id, role, iterations, tool_calls, tokens_used, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id)
			DO UPDATE SET iterations = EXCLUDED.iterations, tool_calls = EXCLUDED.tool_calls, tokens_used = EXCLUDED.tokens_used`,
			n.ID, n.TaskID, n.ParentID, n.Role, n.Iterations, n.ToolCalls, n.TokensUsed, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("save node %s: %w", n.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListNodes(taskID string) ([]models.ExecutionNode, error) {
	nodes := []models.ExecutionNode{}
	err := s.db.Select(&nodes, `
		SELECT id, task_id, parent_id, role, iterations, tool_calls, tokens_used, created_at
		FROM execution_nodes
		WHERE task_id = $1
		ORDER BY created_at, id`,
		taskID)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

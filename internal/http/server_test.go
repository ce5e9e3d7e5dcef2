package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/service"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

type stubProvider struct{ base string }

func (p *stubProvider) Acquire(ctx context.Context, task models.AuditTask) (string, error) {
	dir := filepath.Join(p.base, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644); err != nil {
		return "", err
	}
	return dir, nil
}

func (p *stubProvider) Release(dir string) { _ = os.RemoveAll(dir) }

type stubFactory struct{}

func (stubFactory) NewWorker(phase models.Phase) (service.Worker, error) {
	return stubWorker{}, nil
}

type stubWorker struct{}

func (stubWorker) Run(ctx context.Context, in service.WorkerInput) (service.WorkerResult, error) {
	return service.WorkerResult{
		Success:   true,
		Artifacts: map[string]string{string(in.Phase) + ".summary": "done"},
	}, nil
}

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store := storage.NewMockStore()
	svc := service.NewAuditService(context.Background(), store, nopLogger{}, service.Options{
		Workspaces: &stubProvider{base: t.TempDir()},
		Factory:    stubFactory{},
	})
	t.Cleanup(svc.Wait)
	return NewServer("0", svc), store
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(service.SubmitRequest{
		Project: models.ProjectRef{Kind: models.ArchiveProject, ArchivePath: "/tmp/project.tar.gz"},
		Config:  models.TaskConfig{VulnScope: []string{"injection"}},
	})
	assert.NoError(t, err)
	return bytes.NewBuffer(body)
}

func doRequest(srv *Server, method, target string, body *bytes.Buffer) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")
}

func TestSubmitAudit(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("Accepted", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/v1/audits", submitBody(t))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp map[string]string
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["id"])
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/v1/audits", bytes.NewBufferString("{not json"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid request body")
	})

	t.Run("ValidationRejected", func(t *testing.T) {
		body, err := json.Marshal(service.SubmitRequest{
			Project: models.ProjectRef{Kind: models.ArchiveProject, ArchivePath: "/tmp/project.tar.gz"},
			Config:  models.TaskConfig{},
		})
		assert.NoError(t, err)
		rec := doRequest(srv, http.MethodPost, "/api/v1/audits", bytes.NewBuffer(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "scope cannot be empty")
	})
}

func TestGetAudit(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("NotFound", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/audits/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "not found")
	})

	t.Run("Found", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/v1/audits", submitBody(t))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		var resp map[string]string
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		rec = doRequest(srv, http.MethodGet, "/api/v1/audits/"+resp["id"], nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var task models.AuditTask
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
		assert.Equal(t, resp["id"], task.ID)
	})
}

func TestListAudits(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/v1/audits", submitBody(t))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/v1/audits", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var tasks []models.AuditTask
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)
}

func TestCancelAudit(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("NotFound", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/v1/audits/nope/cancel", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Requested", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/v1/audits", submitBody(t))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		var resp map[string]string
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		rec = doRequest(srv, http.MethodPost, "/api/v1/audits/"+resp["id"]+"/cancel", nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "requested")
	})
}

func TestListEvents(t *testing.T) {
	srv, store := newTestServer(t)

	task := models.AuditTask{
		ID:        "seeded",
		Project:   models.ProjectRef{Kind: models.ArchiveProject, ArchivePath: "/tmp/p.tar.gz"},
		Status:    models.CompletedTaskStatus,
		Phase:     models.ReportingPhase,
		CreatedAt: time.Now().UTC(),
	}
	assert.NoError(t, store.SaveTask(task))
	for seq := int64(1); seq <= 5; seq++ {
		assert.NoError(t, store.AppendEvent(models.AuditEvent{
			TaskID:    task.ID,
			Seq:       seq,
			Kind:      models.LogEvent,
			EmittedAt: time.Now().UTC(),
		}))
	}

	t.Run("NotFound", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/audits/nope/events", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Paged", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/audits/seeded/events?after_seq=2&limit=2", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var events []models.AuditEvent
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		assert.Len(t, events, 2)
		assert.Equal(t, int64(3), events[0].Seq)
		assert.Equal(t, int64(4), events[1].Seq)
	})

	t.Run("InvalidParamsFallBackToDefaults", func(t *testing.T) {
		rec := doRequest(srv, http.MethodGet, "/api/v1/audits/seeded/events?after_seq=banana&limit=-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var events []models.AuditEvent
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		assert.Len(t, events, 5)
	})
}

func TestListFindings(t *testing.T) {
	srv, store := newTestServer(t)

	task := models.AuditTask{
		ID:        "seeded",
		Project:   models.ProjectRef{Kind: models.ArchiveProject, ArchivePath: "/tmp/p.tar.gz"},
		Status:    models.CompletedTaskStatus,
		CreatedAt: time.Now().UTC(),
	}
	assert.NoError(t, store.SaveTask(task))
	assert.NoError(t, store.UpsertFinding(models.Finding{
		ID:          "f1",
		TaskID:      task.ID,
		Category:    "injection",
		Severity:    models.SeverityHigh,
		File:        "main.go",
		Line:        10,
		Status:      models.VerifiedFinding,
		Fingerprint: "abc",
		CreatedAt:   time.Now().UTC(),
	}))

	rec := doRequest(srv, http.MethodGet, "/api/v1/audits/seeded/findings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var findings []models.Finding
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &findings))
	assert.Len(t, findings, 1)
	assert.Equal(t, models.SeverityHigh, findings[0].Severity)
}

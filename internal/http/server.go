package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lintsinghua/XCodeReviewer-sub001/internal/log"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/service"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

const defaultEventsPageSize = 100

// Server exposes the audit service over HTTP under /api/v1.
type Server struct {
	svc  *service.AuditService
	http *http.Server
}

func NewServer(port string, svc *service.AuditService) *Server {
	s := &Server{svc: svc}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/audits", s.submitAudit).Methods(http.MethodPost)
	api.HandleFunc("/audits", s.listAudits).Methods(http.MethodGet)
	api.HandleFunc("/audits/{id}", s.getAudit).Methods(http.MethodGet)
	api.HandleFunc("/audits/{id}/cancel", s.cancelAudit).Methods(http.MethodPost)
	api.HandleFunc("/audits/{id}/events", s.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/audits/{id}/findings", s.listFindings).Methods(http.MethodGet)
	api.HandleFunc("/audits/{id}/stream", s.streamAudit).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	log.GetLogger().Infof("Starting xaudit server on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "xaudit server is running")
}

func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	id, err := s.svc.Submit(req)
	if err != nil {
		log.GetLogger().Errorf("Failed to submit audit: %v", err)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.ListTasks()
	if err != nil {
		log.GetLogger().Errorf("Failed to list audits: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to list audits")
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.svc.Status(id)
	if err != nil {
		respondStoreError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) cancelAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Cancel(id); err != nil {
		respondStoreError(w, id, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "cancellation": "requested"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	afterSeq := parseInt64(r.URL.Query().Get("after_seq"), 0)
	limit := int(parseInt64(r.URL.Query().Get("limit"), defaultEventsPageSize))
	events, err := s.svc.Events(id, afterSeq, limit)
	if err != nil {
		respondStoreError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	findings, err := s.svc.Findings(id)
	if err != nil {
		respondStoreError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, findings)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, id string, err error) {
	if err == storage.ErrNotFound {
		respondError(w, http.StatusNotFound, fmt.Sprintf("Audit %s not found", id))
		return
	}
	log.GetLogger().Errorf("Request for audit %s failed: %v", id, err)
	respondError(w, http.StatusInternalServerError, err.Error())
}

func parseInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

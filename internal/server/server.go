/*
Copyright 2024 The Azureformation Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server is the HTTP surface: registration, template and
// experiment submission, operation dispatch and the audit progress
// feed. Dispatch endpoints return 202 once the workflow is queued;
// progress is read from the feed, never from the dispatch response.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/internal/store"
	"github.com/openhackathon/azureformation/internal/template"
)

// Engine is the orchestrator surface the server dispatches to.
type Engine interface {
	Create(ctx context.Context, experimentID int64, tmpl *template.Template) error
	Update(ctx context.Context, experimentID int64, tmpl *template.Template) error
	Delete(ctx context.Context, experimentID int64, tmpl *template.Template, force bool) error
	Stop(ctx context.Context, experimentID int64, tmpl *template.Template, action azure.PowerAction) error
	Start(ctx context.Context, experimentID int64, tmpl *template.Template) error
}

// Registrar registers users and their management credentials.
type Registrar interface {
	Register(ctx context.Context, name, email, subscriptionID, managementHost string) (*store.ManagementCredential, error)
}

// Repository is the persistence surface the server reads and writes.
// *store.Store satisfies it.
type Repository interface {
	CreateTemplate(ctx context.Context, url, kind string) (*store.Template, error)
	CreateUserTemplate(ctx context.Context, userID, templateID int64) (*store.UserTemplate, error)
	CreateExperiment(ctx context.Context, userTemplateID int64, name string) (*store.Experiment, error)
	GetExperiment(ctx context.Context, id int64) (*store.Experiment, error)
	GetTemplateForExperiment(ctx context.Context, experimentID int64) (*store.Template, error)
	QueryAuditAfter(ctx context.Context, experimentID int64, operationPrefix string, afterID int64) ([]store.AuditLog, error)
}

// Server routes the HTTP API.
type Server struct {
	repo      Repository
	engine    Engine
	registrar Registrar
	log       logr.Logger
	// health reports readiness of the backing store.
	health func(ctx context.Context) error
}

// New builds a Server. health may be nil when there is nothing to probe.
func New(repo Repository, engine Engine, registrar Registrar, log logr.Logger, health func(ctx context.Context) error) *Server {
	return &Server{repo: repo, engine: engine, registrar: registrar, log: log, health: health}
}

// Router assembles the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/templates", s.handleCreateTemplate)
		r.Post("/experiments", s.handleCreateExperiment)
		r.Route("/experiments/{id}", func(r chi.Router) {
			r.Post("/create", s.dispatch(s.doCreate))
			r.Post("/update", s.dispatch(s.doUpdate))
			r.Post("/delete", s.dispatch(s.doDelete))
			r.Post("/stop", s.dispatch(s.doStop))
			r.Post("/start", s.dispatch(s.doStart))
			r.Get("/operations", s.handleOperations)
		})
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error(err, "failed to encode response")
	}
}

// writeError maps error kinds to HTTP statuses. Template problems are
// the caller's fault; everything else is ours.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case azure.IsKind(err, azure.InvalidTemplate):
		status = http.StatusUnprocessableEntity
	case azure.IsKind(err, azure.StateIllegal):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	SubscriptionID string `json:"subscription_id"`
	ManagementHost string `json:"management_host"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.Email == "" || req.SubscriptionID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "email and subscription_id are required"})
		return
	}
	cred, err := s.registrar.Register(r.Context(), req.Name, req.Email, req.SubscriptionID, req.ManagementHost)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"credential_id":   cred.ID,
		"user_id":         cred.UserID,
		"subscription_id": cred.SubscriptionID,
		"cert_path":       cred.CertPath,
	})
}

type createTemplateRequest struct {
	UserID int64  `json:"user_id"`
	URL    string `json:"url"`
	Kind   string `json:"kind"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.UserID == 0 || req.URL == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id and url are required"})
		return
	}
	// reject unparseable documents at submission, not at dispatch
	if _, err := template.Load(req.URL); err != nil {
		s.writeError(w, err)
		return
	}
	tmpl, err := s.repo.CreateTemplate(r.Context(), req.URL, req.Kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ut, err := s.repo.CreateUserTemplate(r.Context(), req.UserID, tmpl.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{
		"template_id":      tmpl.ID,
		"user_template_id": ut.ID,
	})
}

type createExperimentRequest struct {
	UserTemplateID int64  `json:"user_template_id"`
	Name           string `json:"name"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.UserTemplateID == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_template_id is required"})
		return
	}
	exp, err := s.repo.CreateExperiment(r.Context(), req.UserTemplateID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"experiment_id": exp.ID})
}

type dispatchFunc func(ctx context.Context, r *http.Request, experimentID int64, tmpl *template.Template) error

// dispatch resolves the experiment and its template document, then
// hands off to the operation. 202 means queued, nothing more.
func (s *Server) dispatch(fn dispatchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed experiment id"})
			return
		}
		exp, err := s.repo.GetExperiment(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if exp == nil {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "experiment not found"})
			return
		}
		tmplRow, err := s.repo.GetTemplateForExperiment(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if tmplRow == nil {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "experiment has no template"})
			return
		}
		tmpl, err := template.Load(tmplRow.URL)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := fn(r.Context(), r, id, tmpl); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"experiment_id": id,
			"dispatched":    true,
		})
	}
}

func (s *Server) doCreate(ctx context.Context, _ *http.Request, id int64, tmpl *template.Template) error {
	return s.engine.Create(ctx, id, tmpl)
}

func (s *Server) doUpdate(ctx context.Context, _ *http.Request, id int64, tmpl *template.Template) error {
	return s.engine.Update(ctx, id, tmpl)
}

func (s *Server) doDelete(ctx context.Context, r *http.Request, id int64, tmpl *template.Template) error {
	force := r.URL.Query().Get("force") == "true"
	return s.engine.Delete(ctx, id, tmpl, force)
}

func (s *Server) doStop(ctx context.Context, r *http.Request, id int64, tmpl *template.Template) error {
	action := azure.PowerActionStoppedDeallocated
	if r.URL.Query().Get("action") == string(azure.PowerActionStopped) {
		action = azure.PowerActionStopped
	}
	return s.engine.Stop(ctx, id, tmpl, action)
}

func (s *Server) doStart(ctx context.Context, _ *http.Request, id int64, tmpl *template.Template) error {
	return s.engine.Start(ctx, id, tmpl)
}

type auditRecord struct {
	ID        int64     `json:"id"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	StepIndex *int64    `json:"step_index,omitempty"`
	ExecTime  time.Time `json:"exec_time"`
}

// handleOperations is the audit progress feed. Clients poll with the
// last id they have seen; prefix narrows to one operation family.
func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed experiment id"})
		return
	}
	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed after cursor"})
			return
		}
	}
	prefix := r.URL.Query().Get("prefix")

	rows, err := s.repo.QueryAuditAfter(r.Context(), id, prefix, after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]auditRecord, 0, len(rows))
	for _, row := range rows {
		rec := auditRecord{
			ID:        row.ID,
			Operation: row.Operation,
			Status:    string(row.Status),
			ExecTime:  row.ExecTime,
		}
		if row.Note.Valid {
			rec.Note = row.Note.String
		}
		if row.StepIndex.Valid {
			step := row.StepIndex.Int64
			rec.StepIndex = &step
		}
		out = append(out, rec)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"operations": out})
}

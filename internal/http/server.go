package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juniap-tecnots/contentflow/internal/log"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the workflow service as a JSON API.
type Server struct {
	svc      *service.WorkflowService
	gatherer prometheus.Gatherer
}

// NewServer builds the API over svc. A nil gatherer serves the default Prometheus registry.
func NewServer(svc *service.WorkflowService, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{svc: svc, gatherer: gatherer}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/templates", s.createTemplate).Methods(http.MethodPost)
	r.HandleFunc("/templates", s.listTemplates).Methods(http.MethodGet)
	r.HandleFunc("/templates/{id}", s.getTemplate).Methods(http.MethodGet)
	r.HandleFunc("/templates/{id}", s.updateTemplate).Methods(http.MethodPut)

	r.HandleFunc("/instances", s.startInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances", s.listInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", s.getInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/advance", s.advanceInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/cancel", s.cancelInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/comments", s.commentInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/audit", s.instanceAudit).Methods(http.MethodGet)

	r.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/claim", s.claimTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/decision", s.decideTask).Methods(http.MethodPost)

	r.HandleFunc("/escalation-rules", s.createRule).Methods(http.MethodPost)
	r.HandleFunc("/escalation-rules", s.listRules).Methods(http.MethodGet)
	r.HandleFunc("/escalation-rules/{id}", s.getRule).Methods(http.MethodGet)
	r.HandleFunc("/escalation-rules/{id}", s.updateRule).Methods(http.MethodPut)
	r.HandleFunc("/escalation-rules/{id}", s.deleteRule).Methods(http.MethodDelete)
	r.HandleFunc("/escalation-rules/{id}/enable", s.setRuleEnabled(true)).Methods(http.MethodPost)
	r.HandleFunc("/escalation-rules/{id}/disable", s.setRuleEnabled(false)).Methods(http.MethodPost)

	r.HandleFunc("/sweeps", s.sweep).Methods(http.MethodPost)
	r.HandleFunc("/audit", s.queryAudit).Methods(http.MethodGet)
	return r
}

// StartServer serves the API on port until ctx is cancelled.
func StartServer(ctx context.Context, port string, svc *service.WorkflowService, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewServer(svc, gatherer).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting contentflow server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.GetLogger().Infof("Shutting down contentflow server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *service.ValidationError
		notFound   *service.NotFoundError
		state      *service.InvalidStateError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Reason, Field: validation.Field})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: notFound.Error()})
	case errors.As(err, &state):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already processed: " + state.Reason})
	default:
		log.GetLogger().Errorf("Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &service.ValidationError{Field: key, Reason: "not a number: " + raw}
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &service.ValidationError{Field: key, Reason: "not a boolean: " + raw}
	}
	return b, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &service.ValidationError{Field: key, Reason: "not an RFC 3339 time: " + raw}
	}
	return t, nil
}

// Templates

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var def service.TemplateDefinition
	if !decode(w, r, &def) {
		return
	}
	t, err := s.svc.Templates.CreateTemplate(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	latest, _ := strconv.ParseBool(q.Get("latest"))
	templates, err := s.svc.Templates.ListTemplates(r.Context(), models.TemplateFilter{
		ContentType: models.ContentType(q.Get("content_type")),
		Name:        q.Get("name"),
		LineageID:   q.Get("lineage_id"),
		LatestOnly:  latest,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Templates.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var def service.TemplateDefinition
	if !decode(w, r, &def) {
		return
	}
	t, err := s.svc.Templates.UpdateTemplate(r.Context(), mux.Vars(r)["id"], def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Instances

type decisionRequest struct {
	Decision service.Decision `json:"decision"`
	Actor    string           `json:"actor"`
	Comment  string           `json:"comment"`
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type commentRequest struct {
	Actor   string `json:"actor"`
	Comment string `json:"comment"`
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	var req service.StartRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := s.svc.Engine.StartInstance(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instances, err := s.svc.Engine.ListInstances(r.Context(), models.InstanceFilter{
		Status:     models.InstanceStatus(q.Get("status")),
		TemplateID: q.Get("template_id"),
		ContentID:  q.Get("content_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Engine.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) advanceInstance(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := s.svc.Engine.Advance(r.Context(), mux.Vars(r)["id"], req.Decision, req.Actor, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) cancelInstance(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := s.svc.Engine.Cancel(r.Context(), mux.Vars(r)["id"], req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) commentInstance(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := s.svc.Engine.Comment(r.Context(), mux.Vars(r)["id"], req.Actor, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) instanceAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.svc.Engine.GetInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.svc.Audit.QueryByInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Tasks

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	overdue, err := queryBool(r, "overdue")
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.svc.Tasks.ListTasks(r.Context(), models.TaskFilter{
		Scope:              models.TaskScope(q.Get("scope")),
		User:               q.Get("user"),
		Role:               q.Get("role"),
		Status:             models.TaskStatus(q.Get("status")),
		WorkflowInstanceID: q.Get("instance_id"),
		Overdue:            overdue,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Tasks.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// decideTask is advance guarded by the task the reviewer was looking at.
func (s *Server) decideTask(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := s.svc.Engine.AdvanceTask(r.Context(), mux.Vars(r)["id"], req.Decision, req.Actor, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.Tasks.ClaimTask(r.Context(), mux.Vars(r)["id"], req.User)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Escalation rules

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var def service.RuleDefinition
	if !decode(w, r, &def) {
		return
	}
	rule, err := s.svc.Rules.CreateRule(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.svc.Rules.ListRules(r.Context(), r.URL.Query().Get("stage"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.Rules.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var def service.RuleDefinition
	if !decode(w, r, &def) {
		return
	}
	rule, err := s.svc.Rules.UpdateRule(r.Context(), mux.Vars(r)["id"], def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Rules.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := s.svc.Rules.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// Sweeps and audit

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Evaluator.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.svc.Audit.QueryAll(r.Context(), models.AuditFilter{
		WorkflowInstanceID: q.Get("instance_id"),
		User:               q.Get("user"),
		Action:             models.AuditAction(q.Get("action")),
		Since:              since,
		Until:              until,
		Limit:              limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

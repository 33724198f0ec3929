package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/juniap-tecnots/contentflow/internal/directory"
	internal_http "github.com/juniap-tecnots/contentflow/internal/http"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiClient struct {
	t   *testing.T
	url string
}

func (c apiClient) do(method, path string, body interface{}, out interface{}) int {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.url+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func newTestServer(t *testing.T, clock *testClock) apiClient {
	reg := prometheus.NewRegistry()
	svc := service.NewWorkflowService(context.Background(), storage.NewMemoryStore(), nopLogger{},
		service.WithClock(clock.Now),
		service.WithDirectory(directory.NewStatic(map[string][]string{
			"editor": {"bob"},
			"legal":  {"dana"},
		})),
		service.WithMetrics(service.NewMetrics(reg)),
		service.WithWorkers(2),
	)
	t.Cleanup(svc.Close)
	srv := httptest.NewServer(internal_http.NewServer(svc, reg).Router())
	t.Cleanup(srv.Close)
	return apiClient{t: t, url: srv.URL}
}

var articleReview = service.TemplateDefinition{
	Name:        "Article Review",
	ContentType: models.ArticleContentType,
	Stages: []models.StageDefinition{
		{Name: "Draft Review", ResponsibleRole: "editor", SLAHours: 24},
		{Name: "Legal Review", ResponsibleRole: "legal", SLAHours: 48},
	},
}

func TestE2EServer(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := &testClock{now: now}
	api := newTestServer(t, clock)

	t.Run("Health", func(t *testing.T) {
		var body service.Health
		assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health", nil, &body))
		assert.Equal(t, "ok", body.Status)
		assert.Empty(t, body.Notifier)
		assert.Zero(t, body.AuditPending)
	})

	var tmpl models.WorkflowTemplate
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/templates", articleReview, &tmpl))
	assert.Equal(t, 1, tmpl.Version)

	t.Run("InvalidTemplate", func(t *testing.T) {
		bad := articleReview
		bad.Stages = nil
		var body map[string]string
		assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/templates", bad, &body))
		assert.Equal(t, "stages", body["field"])
	})

	t.Run("UnknownTemplate", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/templates/nope", nil, nil))
		assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/instances",
			service.StartRequest{TemplateID: "nope", ContentID: "c1"}, nil))
	})

	var inst models.WorkflowInstance
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/instances", service.StartRequest{
		TemplateID: tmpl.ID, ContentID: "article-42", Title: "Launch post", Actor: "alice",
	}, &inst))
	assert.Equal(t, models.InProgressInstanceStatus, inst.Status)

	t.Run("MyTasks", func(t *testing.T) {
		var tasks []models.Task
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/tasks?scope=my-tasks&user=bob", nil, &tasks))
		require.Len(t, tasks, 1)
		assert.Equal(t, "Draft Review", tasks[0].Stage)
		assert.Equal(t, now.Add(24*time.Hour), tasks[0].DueDate)

		assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/tasks?scope=my-tasks", nil, nil))
	})

	t.Run("AdvanceAndAudit", func(t *testing.T) {
		var advanced models.WorkflowInstance
		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/instances/"+inst.ID+"/advance",
			map[string]string{"decision": "APPROVE", "actor": "bob"}, &advanced))
		assert.Equal(t, 1, advanced.CurrentStageIndex)

		require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/instances/"+inst.ID+"/comments",
			map[string]string{"actor": "dana", "comment": "checking the quotes"}, nil))

		var approved models.WorkflowInstance
		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/instances/"+inst.ID+"/advance",
			map[string]string{"decision": "APPROVE", "actor": "dana"}, &approved))
		assert.Equal(t, models.ApprovedInstanceStatus, approved.Status)

		var body map[string]string
		assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/instances/"+inst.ID+"/advance",
			map[string]string{"decision": "REJECT", "actor": "dana"}, &body))
		assert.Contains(t, body["error"], "already processed")

		var trail []models.AuditLogEntry
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/instances/"+inst.ID+"/audit", nil, &trail))
		var actions []models.AuditAction
		for _, e := range trail {
			actions = append(actions, e.Action)
		}
		assert.Equal(t, []models.AuditAction{
			models.CreatedAuditAction,
			models.AdvancedAuditAction,
			models.CommentedAuditAction,
			models.ApprovedAuditAction,
		}, actions)

		var byDana []models.AuditLogEntry
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/audit?user=dana&limit=1", nil, &byDana))
		require.Len(t, byDana, 1)
		assert.Equal(t, models.CommentedAuditAction, byDana[0].Action)

		assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/audit?limit=x", nil, nil))
	})

	t.Run("BadDecision", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/instances/"+inst.ID+"/advance",
			map[string]string{"decision": "MAYBE", "actor": "dana"}, nil))
		assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/instances/missing/advance",
			map[string]string{"decision": "APPROVE", "actor": "dana"}, nil))
	})

	t.Run("TaskDecision", func(t *testing.T) {
		var third models.WorkflowInstance
		require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/instances", service.StartRequest{
			TemplateID: tmpl.ID, ContentID: "article-44", Actor: "alice",
		}, &third))
		var tasks []models.Task
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/tasks?instance_id="+third.ID+"&status=PENDING", nil, &tasks))
		require.Len(t, tasks, 1)

		decision := map[string]string{"decision": "APPROVE", "actor": "bob"}
		assert.Equal(t, http.StatusOK, api.do(http.MethodPost, "/tasks/"+tasks[0].ID+"/decision", decision, nil))
		// the Legal task is open now, but this decision was about Draft Review
		assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/tasks/"+tasks[0].ID+"/decision", decision, nil))
		assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/tasks/missing/decision", decision, nil))
	})

	t.Run("RulesAndSweep", func(t *testing.T) {
		var rule models.EscalationRule
		require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/escalation-rules", map[string]interface{}{
			"stage": "Draft Review", "overdue_hours": 2, "action": "AUTO_REJECT",
		}, &rule))
		assert.True(t, rule.Enabled)

		var second models.WorkflowInstance
		require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/instances", service.StartRequest{
			TemplateID: tmpl.ID, ContentID: "article-43", Actor: "alice",
		}, &second))

		clock.Advance(27 * time.Hour)
		var overdue []models.Task
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/tasks?overdue=true&scope=my-tasks&user=bob", nil, &overdue))
		require.Len(t, overdue, 1)
		assert.Equal(t, second.ID, overdue[0].WorkflowInstanceID)
		assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/tasks?overdue=maybe", nil, nil))

		var report service.SweepReport
		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/sweeps", nil, &report))
		assert.Equal(t, 1, report.Fired)

		var got models.WorkflowInstance
		require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/instances/"+second.ID, nil, &got))
		assert.Equal(t, models.RejectedInstanceStatus, got.Status)

		var disabled models.EscalationRule
		require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/escalation-rules/"+rule.ID+"/disable", nil, &disabled))
		assert.False(t, disabled.Enabled)
		assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/escalation-rules/"+rule.ID, nil, nil))
		assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/escalation-rules/"+rule.ID, nil, nil))
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(api.url + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "contentflow_transitions_total")
		assert.Contains(t, string(raw), `contentflow_escalations_fired_total{action="AUTO_REJECT"} 1`)
	})
}

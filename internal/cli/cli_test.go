package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/juniap-tecnots/contentflow/internal/config"
	"github.com/juniap-tecnots/contentflow/internal/directory"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

const templateYAML = `
name: Article Review
content_type: article
stages:
  - name: Draft Review
    responsible_role: editor
    sla_hours: 24
  - name: Legal Review
    responsible_role: legal
    sla_hours: 48
`

func newTestRuntime(t *testing.T) *runtime {
	svc := service.NewWorkflowService(context.Background(), storage.NewMemoryStore(), nopLogger{},
		service.WithDirectory(directory.NewStatic(map[string][]string{"editor": {"bob"}, "legal": {"dana"}})),
		service.WithWorkers(1),
	)
	t.Cleanup(svc.Close)
	return &runtime{cfg: &config.Config{}, svc: svc}
}

func run(t *testing.T, rt *runtime, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "contentflow"}
	setup(root, func(*cobra.Command) (*runtime, error) { return rt, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTemplateAndInstanceCommands(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "article.yaml")
	require.NoError(t, os.WriteFile(file, []byte(templateYAML), 0o600))

	out, err := run(t, rt, "template", "create", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Created template 'Article Review'")

	templates, err := rt.svc.Templates.ListTemplates(ctx, models.TemplateFilter{})
	require.NoError(t, err)
	require.Len(t, templates, 1)
	tmpl := templates[0]
	assert.Len(t, tmpl.Stages, 2)

	out, err = run(t, rt, "template", "get", tmpl.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "responsible_role: legal")

	_, err = run(t, rt, "instance", "start", "--template", tmpl.ID, "--content", "article-7", "--actor", "alice", "--priority", "high")
	require.NoError(t, err)
	instances, err := rt.svc.Engine.ListInstances(ctx, models.InstanceFilter{ContentID: "article-7"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	inst := instances[0]
	assert.Equal(t, models.HighPriority, inst.Priority)

	out, err = run(t, rt, "tasks", "--scope", "my-tasks", "--user", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Draft Review")

	out, err = run(t, rt, "tasks", "--overdue")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks found.")

	out, err = run(t, rt, "instance", "advance", inst.ID, "--decision", "approve", "--actor", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "stage 1, IN_PROGRESS")

	out, err = run(t, rt, "instance", "advance", inst.ID, "--decision", "reject", "--actor", "dana", "--comment", "defamatory")
	require.NoError(t, err)
	assert.Contains(t, out, "REJECTED")

	_, err = run(t, rt, "instance", "advance", inst.ID, "--decision", "approve", "--actor", "dana")
	assert.True(t, service.IsInvalidState(err))

	out, err = run(t, rt, "audit", "--instance", inst.ID, "--replay")
	require.NoError(t, err)
	assert.Contains(t, out, `"defamatory"`)
	assert.Contains(t, out, "Replayed: stage 1, REJECTED (matches stored state: true)")
}

func TestRuleCommandsAndSweep(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	out, err := run(t, rt, "rule", "create", "--stage", "Draft Review", "--overdue-hours", "3", "--action", "notify_manager")
	require.NoError(t, err)
	assert.Contains(t, out, "NOTIFY_MANAGER")

	rules, err := rt.svc.Rules.ListRules(ctx, "")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	_, err = run(t, rt, "rule", "disable", rules[0].ID)
	require.NoError(t, err)
	r, err := rt.svc.Rules.GetRule(ctx, rules[0].ID)
	require.NoError(t, err)
	assert.False(t, r.Enabled)

	_, err = run(t, rt, "rule", "create", "--stage", "Draft Review", "--overdue-hours=-1", "--action", "AUTO_REJECT")
	var verr *service.ValidationError
	assert.ErrorAs(t, err, &verr)

	out, err = run(t, rt, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Scanned 0 open tasks")
}

func TestTaskDecideCommand(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	tmpl, err := rt.svc.Templates.CreateTemplate(ctx, service.TemplateDefinition{
		Name:        "Media Review",
		ContentType: models.MediaContentType,
		Stages: []models.StageDefinition{
			{Name: "Draft Review", ResponsibleRole: "editor", SLAHours: 24},
			{Name: "Legal Review", ResponsibleRole: "legal", SLAHours: 48},
		},
	})
	require.NoError(t, err)
	inst, err := rt.svc.Engine.StartInstance(ctx, service.StartRequest{TemplateID: tmpl.ID, ContentID: "media-1", Actor: "alice"})
	require.NoError(t, err)
	tasks, err := rt.svc.Tasks.ListTasks(ctx, models.TaskFilter{WorkflowInstanceID: inst.ID, Status: models.PendingTaskStatus})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	out, err := run(t, rt, "tasks", "decide", tasks[0].ID, "--decision", "approve", "--actor", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "stage 1, IN_PROGRESS")

	_, err = run(t, rt, "tasks", "decide", tasks[0].ID, "--decision", "approve", "--actor", "bob")
	assert.True(t, service.IsInvalidState(err), "a decision on a resolved task is refused")

	_, err = run(t, rt, "tasks", "decide", "missing", "--decision", "reject", "--actor", "bob")
	var nf *service.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
